// Package loopclosing implements the loop-closing worker: it detects when
// the camera revisits a mapped region, estimates the similarity transform
// across the loop and rewrites the shared map to remove accumulated drift.
package loopclosing

import (
	"sync/atomic"

	"github.com/viam-modules/viam-orbslam/geometry"
	"github.com/viam-modules/viam-orbslam/slammap"
)

// LocalMapper is the stop/release handshake the loop closer drives to freeze
// keyframe insertion while it rewrites the map.
type LocalMapper interface {
	RequestStop()
	IsStopped() bool
	IsFinished() bool
	Release()
}

// Vocabulary scores bag-of-words vectors; higher is more similar, in [0, 1].
type Vocabulary interface {
	Score(a, b slammap.BowVector) float64
}

// KeyFrameDatabase is the place-recognition index. DetectLoopCandidates must
// exclude the query keyframe and its covisible neighbors.
type KeyFrameDatabase interface {
	Add(kf *slammap.KeyFrame)
	DetectLoopCandidates(kf *slammap.KeyFrame, minScore float64) []*slammap.KeyFrame
}

// Matcher is the descriptor-matching collaborator.
type Matcher interface {
	SearchByBoW(kf1, kf2 *slammap.KeyFrame) ([]*slammap.MapPoint, int)
	SearchBySim3(kf1, kf2 *slammap.KeyFrame, matches []*slammap.MapPoint, s12 geometry.Sim3, radius float64) int
	SearchByProjection(kf *slammap.KeyFrame, scw geometry.Sim3, points []*slammap.MapPoint, matched []*slammap.MapPoint, radius float64) int
	Fuse(kf *slammap.KeyFrame, scw geometry.Sim3, points []*slammap.MapPoint, radius float64, replacements []*slammap.MapPoint)
}

// Sim3Solver estimates a similarity transform by robust fitting. Iterate
// runs up to n further RANSAC iterations; Terminate reports exhaustion.
type Sim3Solver interface {
	SetRansacParameters(probability float64, minInliers, maxIterations int)
	Iterate(n int) (geometry.Sim3, []bool, bool)
	Terminate() bool
}

// Sim3SolverFactory builds a solver for the putative matches between two
// keyframes.
type Sim3SolverFactory func(kf1, kf2 *slammap.KeyFrame, matches []*slammap.MapPoint, fixScale bool) Sim3Solver

// Optimizer is the graph-optimization backend.
type Optimizer interface {
	OptimizeSim3(kf1, kf2 *slammap.KeyFrame, matches []*slammap.MapPoint, s12 *geometry.Sim3, maxChi2 float64, fixScale bool) int
	OptimizeEssentialGraph(
		m *slammap.Map,
		loopKF, currentKF *slammap.KeyFrame,
		nonCorrected, corrected slammap.KeyFrameSim3,
		loopConnections slammap.LoopConnections,
		fixScale bool,
	)
	GlobalBundleAdjustment(m *slammap.Map, iterations int, stop *atomic.Bool, loopKFID uint64, robust bool)
}

// Params are the loop-closing tunables. The defaults reproduce the
// thresholds the detection pipeline was validated with; they are exposed
// because no derivation for them is documented.
type Params struct {
	// FixScale selects rigid (stereo/RGB-D) vs. 7-DoF similarity (monocular)
	// estimation.
	FixScale bool
	// MinConsistency is the number of consecutive keyframes that must agree
	// on a candidate region before it is admitted.
	MinConsistency int
	// LoopGap is the minimum keyframe-id distance from the last accepted
	// loop.
	LoopGap uint64
	// MinBoWMatches gates a candidate into RANSAC.
	MinBoWMatches int
	// MinSim3Inliers accepts a refined similarity transform.
	MinSim3Inliers int
	// MinTotalMatches accepts a loop after extended-neighborhood projection.
	MinTotalMatches int

	RansacProbability   float64
	RansacMinInliers    int
	RansacMaxIterations int

	Sim3SearchRadius       float64
	ProjectionSearchRadius float64
	FuseSearchRadius       float64

	MaxSim3Chi2   float64
	GBAIterations int
}

// DefaultParams returns the validated loop-closing thresholds.
func DefaultParams() Params {
	return Params{
		MinConsistency:         3,
		LoopGap:                10,
		MinBoWMatches:          20,
		MinSim3Inliers:         20,
		MinTotalMatches:        40,
		RansacProbability:      0.99,
		RansacMinInliers:       20,
		RansacMaxIterations:    300,
		Sim3SearchRadius:       7.5,
		ProjectionSearchRadius: 10,
		FuseSearchRadius:       4,
		MaxSim3Chi2:            10,
		GBAIterations:          10,
	}
}

// Loop is an accepted loop closure handed from the detector to the
// corrector.
type Loop struct {
	// MatchedKF is the historical keyframe closing the loop.
	MatchedKF *slammap.KeyFrame
	// Scw is the corrected current-keyframe pose in the world frame.
	Scw geometry.Sim3
	// MatchedPoints is indexed by current-keyframe feature slot and holds
	// the loop-side map point matched there, nil where unmatched.
	MatchedPoints []*slammap.MapPoint
	// LoopMapPoints are all points visible from the matched keyframe and
	// its covisible neighbors, deduplicated.
	LoopMapPoints []*slammap.MapPoint
}
