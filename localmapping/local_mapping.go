// Package localmapping implements the local mapper the loop closer pauses
// and resumes around map rewrites: it consumes freshly created keyframes,
// refreshes their covisibility links and hands them to the loop closer.
package localmapping

import (
	"context"
	"sync"
	"time"

	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"github.com/viam-modules/viam-orbslam/slammap"
)

// processPollInterval is how often the worker polls its queue and handshake
// flags.
const processPollInterval = 3 * time.Millisecond

// KeyFrameSink receives keyframes once local mapping has processed them.
type KeyFrameSink interface {
	InsertKeyFrame(*slammap.KeyFrame)
}

// LocalMapping consumes keyframes from the tracker, maintains their
// covisibility links and forwards them to the loop closer. It honors the
// stop/release handshake the loop closer uses to freeze keyframe insertion
// during map rewrites.
type LocalMapping struct {
	m      *slammap.Map
	sink   KeyFrameSink
	logger logging.Logger

	mu              sync.Mutex
	queue           []*slammap.KeyFrame
	stopRequested   bool
	stopped         bool
	acceptKeyFrames bool
	finishRequested bool
	finished        bool
}

// New returns a local mapper over the given map, forwarding processed
// keyframes to sink.
func New(m *slammap.Map, sink KeyFrameSink, logger logging.Logger) *LocalMapping {
	return &LocalMapping{
		m:               m,
		sink:            sink,
		logger:          logger,
		acceptKeyFrames: true,
		finished:        true,
	}
}

// InsertKeyFrame enqueues a keyframe for processing.
func (lm *LocalMapping) InsertKeyFrame(kf *slammap.KeyFrame) {
	lm.mu.Lock()
	lm.queue = append(lm.queue, kf)
	lm.acceptKeyFrames = false
	lm.mu.Unlock()
}

// Run is the worker loop. It exits when the context is done or a finish
// request arrives.
func (lm *LocalMapping) Run(ctx context.Context) {
	lm.mu.Lock()
	lm.finished = false
	lm.mu.Unlock()

	for {
		lm.mu.Lock()
		if lm.finishRequested {
			lm.stopped = true
			lm.finished = true
			lm.mu.Unlock()
			return
		}
		if lm.stopRequested {
			if !lm.stopped {
				lm.stopped = true
				lm.logger.Debug("local mapping stopped")
			}
			lm.mu.Unlock()
			if !goutils.SelectContextOrWait(ctx, processPollInterval) {
				lm.setFinished()
				return
			}
			continue
		}

		var kf *slammap.KeyFrame
		if len(lm.queue) > 0 {
			kf = lm.queue[0]
			lm.queue = lm.queue[1:]
		} else {
			lm.acceptKeyFrames = true
		}
		lm.mu.Unlock()

		if kf != nil {
			lm.processKeyFrame(kf)
		} else if !goutils.SelectContextOrWait(ctx, processPollInterval) {
			lm.setFinished()
			return
		}
	}
}

func (lm *LocalMapping) processKeyFrame(kf *slammap.KeyFrame) {
	for slot, mp := range kf.MapPointMatches() {
		if mp == nil || mp.IsBad() {
			continue
		}
		if !mp.IsInKeyFrame(kf) {
			mp.AddObservation(kf, slot)
		}
		mp.ComputeDistinctiveDescriptors()
		mp.UpdateNormalAndDepth()
	}
	kf.UpdateConnections()
	if lm.sink != nil {
		lm.sink.InsertKeyFrame(kf)
	}
}

func (lm *LocalMapping) setFinished() {
	lm.mu.Lock()
	lm.stopped = true
	lm.finished = true
	lm.mu.Unlock()
}

// RequestStop asks the worker to pause at its next iteration.
func (lm *LocalMapping) RequestStop() {
	lm.mu.Lock()
	lm.stopRequested = true
	lm.acceptKeyFrames = false
	lm.mu.Unlock()
}

// IsStopped reports whether the worker has acknowledged a stop request.
func (lm *LocalMapping) IsStopped() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.stopped
}

// Release resumes a stopped worker.
func (lm *LocalMapping) Release() {
	lm.mu.Lock()
	lm.stopRequested = false
	lm.stopped = false
	lm.mu.Unlock()
	lm.logger.Debug("local mapping released")
}

// AcceptingKeyFrames reports whether the worker is idle.
func (lm *LocalMapping) AcceptingKeyFrames() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.acceptKeyFrames
}

// RequestReset drops all queued keyframes.
func (lm *LocalMapping) RequestReset() {
	lm.mu.Lock()
	lm.queue = nil
	lm.mu.Unlock()
}

// RequestFinish asks the worker loop to exit.
func (lm *LocalMapping) RequestFinish() {
	lm.mu.Lock()
	lm.finishRequested = true
	lm.mu.Unlock()
}

// IsFinished reports whether the worker loop has exited.
func (lm *LocalMapping) IsFinished() bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.finished
}
