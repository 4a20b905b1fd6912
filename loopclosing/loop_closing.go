package loopclosing

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"github.com/viam-modules/viam-orbslam/slammap"
)

const (
	// idlePollInterval is the main loop's sleep when the queue is empty.
	idlePollInterval = 5 * time.Millisecond
	// resetPollInterval is how often RequestReset polls for the main loop's
	// acknowledgement.
	resetPollInterval = 5 * time.Millisecond
)

// State is the loop closer's coarse processing state.
type State int32

// Loop-closer states.
const (
	StateIdle State = iota
	StateDetecting
	StateCorrecting
	StateFinished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDetecting:
		return "detecting"
	case StateCorrecting:
		return "correcting"
	case StateFinished:
		return "finished"
	}
	return "unknown"
}

// LoopClosing is the loop-closing worker: a single consumer pulling
// keyframes submitted by the local mapper, driving detection and, on a hit,
// correction.
type LoopClosing struct {
	m      *slammap.Map
	db     KeyFrameDatabase
	logger logging.Logger

	detector  *Detector
	corrector *Corrector
	gba       *GlobalBundleTask

	queueMu      sync.Mutex
	queue        []*slammap.KeyFrame
	lastLoopKFID uint64

	resetMu        sync.Mutex
	resetRequested bool

	finishMu        sync.Mutex
	finishRequested bool
	finished        bool

	state atomic.Int32
}

// New wires a loop closer over the shared map and its collaborators. The
// local mapper is attached later through SetLocalMapper, mirroring the
// construction order of the owning system.
func New(
	m *slammap.Map,
	db KeyFrameDatabase,
	voc Vocabulary,
	matcher Matcher,
	solverFactory Sim3SolverFactory,
	optimizer Optimizer,
	params Params,
	logger logging.Logger,
) *LoopClosing {
	gba := NewGlobalBundleTask(m, optimizer, params.GBAIterations, logger)
	return &LoopClosing{
		m:         m,
		db:        db,
		logger:    logger,
		detector:  NewDetector(db, voc, matcher, solverFactory, optimizer, params, logger),
		corrector: NewCorrector(m, gba, matcher, optimizer, params, logger),
		gba:       gba,
		finished:  true,
	}
}

// SetLocalMapper wires the local mapper into the corrector and the global
// bundle task.
func (lc *LoopClosing) SetLocalMapper(lm LocalMapper) {
	lc.corrector.SetLocalMapper(lm)
	lc.gba.SetLocalMapper(lm)
}

// InsertKeyFrame submits a keyframe for loop detection. The origin keyframe
// (id 0) is never enqueued.
func (lc *LoopClosing) InsertKeyFrame(kf *slammap.KeyFrame) {
	if kf.ID == 0 {
		return
	}
	lc.queueMu.Lock()
	lc.queue = append(lc.queue, kf)
	lc.queueMu.Unlock()
}

// Run is the main loop. It exits when the context is cancelled or a finish
// request arrives after the current iteration.
func (lc *LoopClosing) Run(ctx context.Context) {
	lc.finishMu.Lock()
	lc.finished = false
	lc.finishMu.Unlock()

	for {
		if kf, ok := lc.popKeyFrame(); ok {
			lc.process(kf)
		}

		lc.resetIfRequested()

		if lc.checkFinish() || ctx.Err() != nil {
			break
		}

		if !goutils.SelectContextOrWait(ctx, idlePollInterval) {
			break
		}
	}

	lc.state.Store(int32(StateFinished))
	lc.finishMu.Lock()
	lc.finished = true
	lc.finishMu.Unlock()
}

func (lc *LoopClosing) popKeyFrame() (*slammap.KeyFrame, bool) {
	lc.queueMu.Lock()
	defer lc.queueMu.Unlock()
	if len(lc.queue) == 0 {
		return nil, false
	}
	kf := lc.queue[0]
	lc.queue = lc.queue[1:]
	// hold a cull guard for the whole time the keyframe is in flight
	kf.SetNotErase()
	return kf, true
}

func (lc *LoopClosing) process(currentKF *slammap.KeyFrame) {
	lc.state.Store(int32(StateDetecting))
	defer lc.state.Store(int32(StateIdle))

	loop, found := lc.detector.Detect(currentKF, lc.lastLoopKFIDValue())

	lc.db.Add(currentKF)

	if !found {
		currentKF.SetErase()
		return
	}

	lc.state.Store(int32(StateCorrecting))
	lc.corrector.Correct(currentKF, loop)

	lc.queueMu.Lock()
	lc.lastLoopKFID = currentKF.ID
	lc.queueMu.Unlock()
}

func (lc *LoopClosing) lastLoopKFIDValue() uint64 {
	lc.queueMu.Lock()
	defer lc.queueMu.Unlock()
	return lc.lastLoopKFID
}

// State returns the loop closer's current processing state.
func (lc *LoopClosing) State() State {
	return State(lc.state.Load())
}

// RequestReset asks the main loop to drop its queue and forget the last
// accepted loop, and waits until it has done so or the context is done.
func (lc *LoopClosing) RequestReset(ctx context.Context) {
	lc.resetMu.Lock()
	lc.resetRequested = true
	lc.resetMu.Unlock()

	for {
		lc.resetMu.Lock()
		cleared := !lc.resetRequested
		lc.resetMu.Unlock()
		if cleared {
			return
		}
		if !goutils.SelectContextOrWait(ctx, resetPollInterval) {
			return
		}
	}
}

func (lc *LoopClosing) resetIfRequested() {
	lc.resetMu.Lock()
	requested := lc.resetRequested
	lc.resetMu.Unlock()
	if !requested {
		return
	}

	lc.queueMu.Lock()
	lc.queue = nil
	lc.lastLoopKFID = 0
	lc.queueMu.Unlock()

	lc.detector.Reset()
	lc.logger.Debug("loop closing reset")

	lc.resetMu.Lock()
	lc.resetRequested = false
	lc.resetMu.Unlock()
}

// RequestFinish asks the main loop to exit after its current iteration.
func (lc *LoopClosing) RequestFinish() {
	lc.finishMu.Lock()
	lc.finishRequested = true
	lc.finishMu.Unlock()
}

func (lc *LoopClosing) checkFinish() bool {
	lc.finishMu.Lock()
	defer lc.finishMu.Unlock()
	return lc.finishRequested
}

// IsFinished reports whether the main loop has exited.
func (lc *LoopClosing) IsFinished() bool {
	lc.finishMu.Lock()
	defer lc.finishMu.Unlock()
	return lc.finished
}

// IsRunningGBA reports whether a global bundle adjustment is in flight.
func (lc *LoopClosing) IsRunningGBA() bool {
	return lc.gba.IsRunning()
}

// IsFinishedGBA reports whether the last global bundle adjustment completed
// or was aborted.
func (lc *LoopClosing) IsFinishedGBA() bool {
	return lc.gba.IsFinished()
}

// WaitGBA blocks until all spawned bundle-adjustment workers have returned.
func (lc *LoopClosing) WaitGBA() {
	lc.gba.Wait()
}
