package loopclosing

import (
	"sync"
	"sync/atomic"
	"time"

	"go.viam.com/rdk/logging"
	goutils "go.viam.com/utils"

	"github.com/viam-modules/viam-orbslam/slammap"
)

// GlobalBundleTask runs full bundle adjustment over the whole map in a
// background worker. At most one run is logically active: Stop advances the
// run index and signals the current worker, whose completion is then
// discarded as stale. Each completed run propagates the correction to
// keyframes inserted while the adjustment was running.
type GlobalBundleTask struct {
	m           *slammap.Map
	optimizer   Optimizer
	localMapper LocalMapper
	iterations  int
	logger      logging.Logger

	mu       sync.Mutex
	running  bool
	finished bool
	stop     *atomic.Bool
	idx      int

	workers sync.WaitGroup
}

// NewGlobalBundleTask returns an idle task.
func NewGlobalBundleTask(m *slammap.Map, optimizer Optimizer, iterations int, logger logging.Logger) *GlobalBundleTask {
	return &GlobalBundleTask{
		m:          m,
		optimizer:  optimizer,
		iterations: iterations,
		finished:   true,
		logger:     logger,
	}
}

// SetLocalMapper wires the local mapper paused while a completed run is
// applied.
func (g *GlobalBundleTask) SetLocalMapper(lm LocalMapper) {
	g.localMapper = lm
}

// Run spawns a bundle-adjustment worker for the loop closed at loopKFID.
func (g *GlobalBundleTask) Run(loopKFID uint64) {
	g.mu.Lock()
	g.running = true
	g.finished = false
	stop := &atomic.Bool{}
	g.stop = stop
	idx := g.idx
	g.mu.Unlock()

	g.logger.Infow("starting global bundle adjustment", "loopKF", loopKFID)

	g.workers.Add(1)
	goutils.PanicCapturingGo(func() {
		defer g.workers.Done()
		g.run(loopKFID, idx, stop)
	})
}

// Stop aborts the current run: the worker is signalled through its stop flag
// and its eventual completion is discarded by the advanced index.
func (g *GlobalBundleTask) Stop() {
	g.mu.Lock()
	if g.stop != nil {
		g.stop.Store(true)
	}
	g.idx++
	g.running = false
	g.finished = true
	g.mu.Unlock()
}

// IsRunning reports whether a run is active.
func (g *GlobalBundleTask) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running
}

// IsFinished reports whether the last run has completed or been aborted.
func (g *GlobalBundleTask) IsFinished() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.finished
}

// Wait blocks until every spawned worker has returned. Intended for
// shutdown and tests; Stop does not join.
func (g *GlobalBundleTask) Wait() {
	g.workers.Wait()
}

func (g *GlobalBundleTask) run(loopKFID uint64, idx int, stop *atomic.Bool) {
	g.optimizer.GlobalBundleAdjustment(g.m, g.iterations, stop, loopKFID, false)

	g.mu.Lock()
	defer g.mu.Unlock()

	// A newer run superseded this one while it was optimizing.
	if idx != g.idx {
		return
	}

	if !stop.Load() {
		g.logger.Infow("global bundle adjustment finished, updating map", "loopKF", loopKFID)
		g.applyCorrection(loopKFID)
	}

	g.finished = true
	g.running = false
}

// applyCorrection writes the adjusted poses and positions into the map and
// propagates the correction across keyframes and map points created after
// the adjustment started. Called with g.mu held.
func (g *GlobalBundleTask) applyCorrection(loopKFID uint64) {
	g.localMapper.RequestStop()
	for !g.localMapper.IsStopped() && !g.localMapper.IsFinished() {
		time.Sleep(mapperStopPollInterval)
	}

	g.m.UpdateMu.Lock()

	// Keyframes created during the adjustment are unstamped; give them the
	// correction of their spanning-tree parent before the pose write-back.
	queue := g.m.KeyFrameOrigins()
	for len(queue) > 0 {
		kf := queue[0]
		queue = queue[1:]

		twc := kf.Pose().Inverse()
		for _, child := range kf.Children() {
			if child.BAGlobalForKF != loopKFID {
				tChildC := child.Pose().Mul(twc)
				child.TcwGBA = tChildC.Mul(kf.TcwGBA)
				child.BAGlobalForKF = loopKFID
			}
			queue = append(queue, child)
		}

		kf.TcwBefGBA = kf.Pose()
		kf.SetPose(kf.TcwGBA)
	}

	for _, mp := range g.m.AllMapPoints() {
		if mp.IsBad() {
			continue
		}

		if mp.BAGlobalForKF == loopKFID {
			mp.SetPosition(mp.PosGBA)
			continue
		}

		// Update according to the correction of the reference keyframe.
		ref := mp.ReferenceKeyFrame()
		if ref == nil || ref.BAGlobalForKF != loopKFID {
			continue
		}
		camera := ref.TcwBefGBA.Apply(mp.Position())
		mp.SetPosition(ref.Pose().Inverse().Apply(camera))
	}

	g.m.InformNewBigChange()
	g.m.UpdateMu.Unlock()

	g.localMapper.Release()
	g.logger.Info("map updated after global bundle adjustment")
}
