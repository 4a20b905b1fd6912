// Package viamorbslam implements simultaneous localization and mapping with
// ORB features and loop closing.
package viamorbslam

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"
	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/spatialmath"
	goutils "go.viam.com/utils"
	"go.viam.com/utils/perf"
	"gocv.io/x/gocv"

	vcConfig "github.com/viam-modules/viam-orbslam/config"
	"github.com/viam-modules/viam-orbslam/features"
	"github.com/viam-modules/viam-orbslam/geometry"
	"github.com/viam-modules/viam-orbslam/localmapping"
	"github.com/viam-modules/viam-orbslam/loopclosing"
	"github.com/viam-modules/viam-orbslam/matching"
	"github.com/viam-modules/viam-orbslam/optimize"
	"github.com/viam-modules/viam-orbslam/slammap"
	"github.com/viam-modules/viam-orbslam/telemetry"
	"github.com/viam-modules/viam-orbslam/vocabulary"
)

// ErrClosed denotes that a system method was called after Close.
var ErrClosed = errors.New("SLAM system is closed")

// matcherNNRatio is the Lowe ratio used for loop-closing matches.
const matcherNNRatio = 0.75

// System owns the shared map and the background mapping workers: the local
// mapper consuming new keyframes and the loop closer correcting drift.
type System struct {
	mode   vcConfig.SensorMode
	camera slammap.Camera
	logger logging.Logger

	slamMap     *slammap.Map
	voc         *vocabulary.Vocabulary
	db          *vocabulary.KeyFrameDatabase
	localMapper *localmapping.LocalMapping
	loopCloser  *loopclosing.LoopClosing

	nextKFID atomic.Uint64
	nextMPID atomic.Uint64

	cancelWorkersFunc func()
	workers           sync.WaitGroup
	exporter          perf.Exporter

	mu        sync.Mutex
	closed    bool
	lastKF    *slammap.KeyFrame
	extractor *features.Extractor
}

// New wires and starts a SLAM system from the given configuration.
func New(ctx context.Context, cfg *vcConfig.Config, logger logging.Logger) (*System, error) {
	ctx, span := trace.StartSpan(ctx, "viamorbslam::System::New")
	defer span.End()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	mode := vcConfig.SensorMode(cfg.Mode)

	vocSize, vocSeed := vcConfig.GetOptionalParameters(cfg, logger)
	voc, err := vocabulary.NewRandom(vocSize, vocSeed)
	if err != nil {
		return nil, errors.Wrap(err, "building vocabulary")
	}

	params, err := vcConfig.ParseLoopClosingParams(cfg.ConfigParams, mode, logger)
	if err != nil {
		return nil, err
	}
	if logger.Level() == zapcore.DebugLevel {
		logger.Debugf("resolved loop-closing params: %+v", params)
	}

	slamMap := slammap.NewMap()
	db := vocabulary.NewKeyFrameDatabase(voc)
	matcher := matching.NewMatcher(matcherNNRatio)
	optimizer := optimize.NewOptimizer(logger)
	solverFactory := func(kf1, kf2 *slammap.KeyFrame, matches []*slammap.MapPoint, fixScale bool) loopclosing.Sim3Solver {
		return optimize.NewSim3Solver(kf1, kf2, matches, fixScale)
	}

	loopCloser := loopclosing.New(slamMap, db, voc, matcher, solverFactory, optimizer, params, logger)
	localMapper := localmapping.New(slamMap, loopCloser, logger)
	loopCloser.SetLocalMapper(localMapper)

	sys := &System{
		mode:        mode,
		camera:      cfg.Camera.Intrinsics(),
		logger:      logger,
		slamMap:     slamMap,
		voc:         voc,
		db:          db,
		localMapper: localMapper,
		loopCloser:  loopCloser,
	}

	if cfg.Telemetry {
		exporter, err := telemetry.Start()
		if err != nil {
			return nil, errors.Wrap(err, "starting telemetry")
		}
		sys.exporter = exporter
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	sys.cancelWorkersFunc = cancelFunc

	sys.workers.Add(2)
	goutils.PanicCapturingGo(func() {
		defer sys.workers.Done()
		localMapper.Run(cancelCtx)
	})
	goutils.PanicCapturingGo(func() {
		defer sys.workers.Done()
		loopCloser.Run(cancelCtx)
	})

	logger.Infow("SLAM system started", "mode", cfg.Mode, "fixScale", params.FixScale)
	return sys, nil
}

// NewKeyFrame registers a keyframe with the given pose and features, wires
// its bag-of-words representation and submits it to the local mapper.
func (sys *System) NewKeyFrame(pose geometry.Pose, keypoints []slammap.Keypoint, descriptors [][]byte) (*slammap.KeyFrame, error) {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	if sys.closed {
		return nil, ErrClosed
	}

	id := sys.nextKFID.Add(1) - 1
	kf := slammap.NewKeyFrame(id, pose, keypoints, descriptors, sys.camera, sys.slamMap)
	kf.BowVec, kf.FeatVec = sys.voc.Transform(descriptors)
	sys.slamMap.AddKeyFrame(kf)
	sys.lastKF = kf
	sys.localMapper.InsertKeyFrame(kf)
	return kf, nil
}

// NewKeyFrameFromImage extracts ORB features from a grayscale image and
// registers the resulting keyframe.
func (sys *System) NewKeyFrameFromImage(ctx context.Context, img gocv.Mat, pose geometry.Pose) (*slammap.KeyFrame, error) {
	_, span := trace.StartSpan(ctx, "viamorbslam::System::NewKeyFrameFromImage")
	defer span.End()

	sys.mu.Lock()
	if sys.closed {
		sys.mu.Unlock()
		return nil, ErrClosed
	}
	if sys.extractor == nil {
		extractor, err := features.NewExtractor(features.DefaultExtractorConfig())
		if err != nil {
			sys.mu.Unlock()
			return nil, err
		}
		sys.extractor = extractor
	}
	extractor := sys.extractor
	sys.mu.Unlock()

	keypoints, descriptors, err := extractor.Extract(img)
	if err != nil {
		return nil, errors.Wrap(err, "extracting features")
	}
	return sys.NewKeyFrame(pose, keypoints, descriptors)
}

// NewMapPoint registers a landmark at the given world position observed by
// refKF.
func (sys *System) NewMapPoint(pos r3.Vector, refKF *slammap.KeyFrame) (*slammap.MapPoint, error) {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	if sys.closed {
		return nil, ErrClosed
	}
	id := sys.nextMPID.Add(1) - 1
	mp := slammap.NewMapPoint(id, pos, refKF, sys.slamMap)
	sys.slamMap.AddMapPoint(mp)
	return mp, nil
}

// Position returns the most recent keyframe's camera pose in the world
// frame.
func (sys *System) Position(ctx context.Context) (spatialmath.Pose, error) {
	_, span := trace.StartSpan(ctx, "viamorbslam::System::Position")
	defer span.End()

	sys.mu.Lock()
	defer sys.mu.Unlock()
	if sys.closed {
		sys.logger.Warn("Position called after closed")
		return nil, ErrClosed
	}
	if sys.lastKF == nil {
		return nil, errors.New("no keyframes tracked yet")
	}
	return sys.lastKF.Pose().Spatial(), nil
}

// Map exposes the shared map.
func (sys *System) Map() *slammap.Map {
	return sys.slamMap
}

// MapChangeIndex returns the map's big-change counter; it advances after
// every loop correction and applied global bundle adjustment.
func (sys *System) MapChangeIndex() int {
	return sys.slamMap.LastBigChangeIndex()
}

// IsRunningGBA reports whether a global bundle adjustment is in flight.
func (sys *System) IsRunningGBA() bool {
	return sys.loopCloser.IsRunningGBA()
}

// IsFinishedGBA reports whether the last global bundle adjustment completed
// or was aborted.
func (sys *System) IsFinishedGBA() bool {
	return sys.loopCloser.IsFinishedGBA()
}

// Reset clears the mapping state: worker queues, the keyframe database and
// the map itself.
func (sys *System) Reset(ctx context.Context) error {
	ctx, span := trace.StartSpan(ctx, "viamorbslam::System::Reset")
	defer span.End()

	sys.mu.Lock()
	defer sys.mu.Unlock()
	if sys.closed {
		return ErrClosed
	}

	sys.localMapper.RequestReset()
	sys.loopCloser.RequestReset(ctx)
	sys.db.Clear()
	sys.slamMap.Clear()
	sys.lastKF = nil
	sys.nextKFID.Store(0)
	sys.nextMPID.Store(0)
	sys.logger.Info("SLAM system reset")
	return nil
}

// Close shuts down the background workers and waits for any in-flight
// global bundle adjustment.
func (sys *System) Close(ctx context.Context) error {
	sys.mu.Lock()
	defer sys.mu.Unlock()
	if sys.closed {
		sys.logger.Warn("Close() called multiple times")
		return nil
	}

	sys.logger.Info("closing SLAM system")

	sys.loopCloser.RequestFinish()
	sys.localMapper.RequestFinish()
	sys.cancelWorkersFunc()
	sys.workers.Wait()
	sys.loopCloser.WaitGBA()

	var err error
	if sys.extractor != nil {
		err = multierr.Combine(err, sys.extractor.Close())
		sys.extractor = nil
	}
	if sys.exporter != nil {
		sys.exporter.Stop()
		sys.exporter = nil
	}

	sys.closed = true
	sys.logger.Info("closing complete")
	return err
}
