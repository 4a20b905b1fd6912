// Package inject provides hand-rolled mocks of the loop closer's
// collaborators for testing.
package inject

import (
	"sync/atomic"

	"github.com/viam-modules/viam-orbslam/geometry"
	"github.com/viam-modules/viam-orbslam/slammap"
)

// LocalMapper is a fake local mapper.
type LocalMapper struct {
	RequestStopFunc func()
	IsStoppedFunc   func() bool
	IsFinishedFunc  func() bool
	ReleaseFunc     func()

	stopped atomic.Bool
}

// RequestStop calls the injected func or records a stop.
func (lm *LocalMapper) RequestStop() {
	if lm.RequestStopFunc != nil {
		lm.RequestStopFunc()
		return
	}
	lm.stopped.Store(true)
}

// IsStopped calls the injected func or reports the recorded state.
func (lm *LocalMapper) IsStopped() bool {
	if lm.IsStoppedFunc != nil {
		return lm.IsStoppedFunc()
	}
	return lm.stopped.Load()
}

// IsFinished calls the injected func or returns false.
func (lm *LocalMapper) IsFinished() bool {
	if lm.IsFinishedFunc != nil {
		return lm.IsFinishedFunc()
	}
	return false
}

// Release calls the injected func or records the resume.
func (lm *LocalMapper) Release() {
	if lm.ReleaseFunc != nil {
		lm.ReleaseFunc()
		return
	}
	lm.stopped.Store(false)
}

// KeyFrameDatabase is a fake place-recognition index.
type KeyFrameDatabase struct {
	AddFunc                  func(kf *slammap.KeyFrame)
	DetectLoopCandidatesFunc func(kf *slammap.KeyFrame, minScore float64) []*slammap.KeyFrame

	Added []*slammap.KeyFrame
}

// Add calls the injected func or records the keyframe.
func (db *KeyFrameDatabase) Add(kf *slammap.KeyFrame) {
	if db.AddFunc != nil {
		db.AddFunc(kf)
		return
	}
	db.Added = append(db.Added, kf)
}

// DetectLoopCandidates calls the injected func or returns nothing.
func (db *KeyFrameDatabase) DetectLoopCandidates(kf *slammap.KeyFrame, minScore float64) []*slammap.KeyFrame {
	if db.DetectLoopCandidatesFunc != nil {
		return db.DetectLoopCandidatesFunc(kf, minScore)
	}
	return nil
}

// Vocabulary is a fake bag-of-words scorer.
type Vocabulary struct {
	ScoreFunc func(a, b slammap.BowVector) float64
}

// Score calls the injected func or returns 0.
func (v *Vocabulary) Score(a, b slammap.BowVector) float64 {
	if v.ScoreFunc != nil {
		return v.ScoreFunc(a, b)
	}
	return 0
}

// Matcher is a fake descriptor matcher.
type Matcher struct {
	SearchByBoWFunc        func(kf1, kf2 *slammap.KeyFrame) ([]*slammap.MapPoint, int)
	SearchBySim3Func       func(kf1, kf2 *slammap.KeyFrame, matches []*slammap.MapPoint, s12 geometry.Sim3, radius float64) int
	SearchByProjectionFunc func(kf *slammap.KeyFrame, scw geometry.Sim3, points, matched []*slammap.MapPoint, radius float64) int
	FuseFunc               func(kf *slammap.KeyFrame, scw geometry.Sim3, points []*slammap.MapPoint, radius float64, replacements []*slammap.MapPoint)
}

// SearchByBoW calls the injected func or returns no matches.
func (m *Matcher) SearchByBoW(kf1, kf2 *slammap.KeyFrame) ([]*slammap.MapPoint, int) {
	if m.SearchByBoWFunc != nil {
		return m.SearchByBoWFunc(kf1, kf2)
	}
	return make([]*slammap.MapPoint, len(kf1.Keypoints)), 0
}

// SearchBySim3 calls the injected func or counts the existing matches.
func (m *Matcher) SearchBySim3(kf1, kf2 *slammap.KeyFrame, matches []*slammap.MapPoint, s12 geometry.Sim3, radius float64) int {
	if m.SearchBySim3Func != nil {
		return m.SearchBySim3Func(kf1, kf2, matches, s12, radius)
	}
	n := 0
	for _, mp := range matches {
		if mp != nil {
			n++
		}
	}
	return n
}

// SearchByProjection calls the injected func or adds nothing.
func (m *Matcher) SearchByProjection(kf *slammap.KeyFrame, scw geometry.Sim3, points, matched []*slammap.MapPoint, radius float64) int {
	if m.SearchByProjectionFunc != nil {
		return m.SearchByProjectionFunc(kf, scw, points, matched, radius)
	}
	return 0
}

// Fuse calls the injected func or does nothing.
func (m *Matcher) Fuse(kf *slammap.KeyFrame, scw geometry.Sim3, points []*slammap.MapPoint, radius float64, replacements []*slammap.MapPoint) {
	if m.FuseFunc != nil {
		m.FuseFunc(kf, scw, points, radius, replacements)
	}
}

// Sim3Solver is a fake similarity-transform solver.
type Sim3Solver struct {
	SetRansacParametersFunc func(probability float64, minInliers, maxIterations int)
	IterateFunc             func(n int) (geometry.Sim3, []bool, bool)
	TerminateFunc           func() bool
}

// SetRansacParameters calls the injected func if present.
func (s *Sim3Solver) SetRansacParameters(probability float64, minInliers, maxIterations int) {
	if s.SetRansacParametersFunc != nil {
		s.SetRansacParametersFunc(probability, minInliers, maxIterations)
	}
}

// Iterate calls the injected func or reports no solution.
func (s *Sim3Solver) Iterate(n int) (geometry.Sim3, []bool, bool) {
	if s.IterateFunc != nil {
		return s.IterateFunc(n)
	}
	return geometry.IdentitySim3(), nil, false
}

// Terminate calls the injected func or reports exhaustion.
func (s *Sim3Solver) Terminate() bool {
	if s.TerminateFunc != nil {
		return s.TerminateFunc()
	}
	return true
}

// Optimizer is a fake graph-optimization backend.
type Optimizer struct {
	OptimizeSim3Func           func(kf1, kf2 *slammap.KeyFrame, matches []*slammap.MapPoint, s12 *geometry.Sim3, maxChi2 float64, fixScale bool) int
	OptimizeEssentialGraphFunc func(
		m *slammap.Map,
		loopKF, currentKF *slammap.KeyFrame,
		nonCorrected, corrected slammap.KeyFrameSim3,
		loopConnections slammap.LoopConnections,
		fixScale bool,
	)
	GlobalBundleAdjustmentFunc func(m *slammap.Map, iterations int, stop *atomic.Bool, loopKFID uint64, robust bool)
}

// OptimizeSim3 calls the injected func or counts the matches.
func (o *Optimizer) OptimizeSim3(kf1, kf2 *slammap.KeyFrame, matches []*slammap.MapPoint, s12 *geometry.Sim3, maxChi2 float64, fixScale bool) int {
	if o.OptimizeSim3Func != nil {
		return o.OptimizeSim3Func(kf1, kf2, matches, s12, maxChi2, fixScale)
	}
	n := 0
	for _, mp := range matches {
		if mp != nil {
			n++
		}
	}
	return n
}

// OptimizeEssentialGraph calls the injected func if present.
func (o *Optimizer) OptimizeEssentialGraph(
	m *slammap.Map,
	loopKF, currentKF *slammap.KeyFrame,
	nonCorrected, corrected slammap.KeyFrameSim3,
	loopConnections slammap.LoopConnections,
	fixScale bool,
) {
	if o.OptimizeEssentialGraphFunc != nil {
		o.OptimizeEssentialGraphFunc(m, loopKF, currentKF, nonCorrected, corrected, loopConnections, fixScale)
	}
}

// GlobalBundleAdjustment calls the injected func if present.
func (o *Optimizer) GlobalBundleAdjustment(m *slammap.Map, iterations int, stop *atomic.Bool, loopKFID uint64, robust bool) {
	if o.GlobalBundleAdjustmentFunc != nil {
		o.GlobalBundleAdjustmentFunc(m, iterations, stop, loopKFID, robust)
	}
}
