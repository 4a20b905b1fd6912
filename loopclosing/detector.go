package loopclosing

import (
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/viam-orbslam/geometry"
	"github.com/viam-modules/viam-orbslam/slammap"
)

// ransacIterationsPerRound is how many RANSAC iterations each surviving
// candidate gets per round-robin pass.
const ransacIterationsPerRound = 5

// consistentGroup is a candidate's covisibility group together with the
// number of consecutive keyframes that have agreed with it.
type consistentGroup struct {
	group       map[*slammap.KeyFrame]struct{}
	consistency int
}

// Detector decides whether a keyframe closes a loop. It keeps the
// consistent-group cache between calls, so a single detector instance must
// observe the keyframe stream in order.
type Detector struct {
	db            KeyFrameDatabase
	voc           Vocabulary
	matcher       Matcher
	solverFactory Sim3SolverFactory
	optimizer     Optimizer
	params        Params
	logger        logging.Logger

	prevConsistentGroups []consistentGroup
}

// NewDetector returns a detector over the given collaborators.
func NewDetector(
	db KeyFrameDatabase,
	voc Vocabulary,
	matcher Matcher,
	solverFactory Sim3SolverFactory,
	optimizer Optimizer,
	params Params,
	logger logging.Logger,
) *Detector {
	return &Detector{
		db:            db,
		voc:           voc,
		matcher:       matcher,
		solverFactory: solverFactory,
		optimizer:     optimizer,
		params:        params,
		logger:        logger,
	}
}

// Reset clears the consistent-group cache.
func (d *Detector) Reset() {
	d.prevConsistentGroups = nil
}

// Detect decides whether currentKF closes a loop against the map. The
// caller holds a cull guard on currentKF; Detect takes and releases guards
// on every candidate it examines, keeping only the matched keyframe's on
// success.
func (d *Detector) Detect(currentKF *slammap.KeyFrame, lastLoopKFID uint64) (*Loop, bool) {
	// refuse back-to-back acceptances on the same revisit
	if currentKF.ID < lastLoopKFID+d.params.LoopGap {
		return nil, false
	}

	// Loop candidates must score higher than the worst covisible neighbor.
	minScore := 1.0
	for _, neighbor := range currentKF.CovisibleKeyFrames() {
		if neighbor.IsBad() {
			continue
		}
		if score := d.voc.Score(currentKF.BowVec, neighbor.BowVec); score < minScore {
			minScore = score
		}
	}

	candidates := d.db.DetectLoopCandidates(currentKF, minScore)
	if len(candidates) == 0 {
		d.prevConsistentGroups = nil
		return nil, false
	}

	consistent := d.checkConsistency(candidates)
	if len(consistent) == 0 {
		return nil, false
	}

	loop, found := d.computeSim3(currentKF, consistent)
	if !found {
		for _, candidate := range consistent {
			candidate.SetErase()
		}
		return nil, false
	}

	d.gatherLoopMapPoints(currentKF, loop)
	d.matcher.SearchByProjection(currentKF, loop.Scw, loop.LoopMapPoints, loop.MatchedPoints, d.params.ProjectionSearchRadius)

	total := 0
	for _, mp := range loop.MatchedPoints {
		if mp != nil {
			total++
		}
	}

	if total < d.params.MinTotalMatches {
		d.logger.Debugw("loop rejected after projection", "currentKF", currentKF.ID, "matches", total)
		for _, candidate := range consistent {
			candidate.SetErase()
		}
		return nil, false
	}

	for _, candidate := range consistent {
		if candidate != loop.MatchedKF {
			candidate.SetErase()
		}
	}
	d.logger.Infow("loop detected",
		"currentKF", currentKF.ID,
		"matchedKF", loop.MatchedKF.ID,
		"matches", total,
	)
	return loop, true
}

// checkConsistency matches each candidate's covisibility group against the
// groups cached from previous keyframes. A candidate is admitted the first
// time some chain of consecutive keyframes has agreed with it MinConsistency
// times.
func (d *Detector) checkConsistency(candidates []*slammap.KeyFrame) []*slammap.KeyFrame {
	var admitted []*slammap.KeyFrame
	var currGroups []consistentGroup
	consumed := make([]bool, len(d.prevConsistentGroups))

	for _, candidate := range candidates {
		group := candidate.ConnectedKeyFrames()
		group[candidate] = struct{}{}

		var matchingPrev []int
		for i, prev := range d.prevConsistentGroups {
			if groupsOverlap(prev.group, group) {
				matchingPrev = append(matchingPrev, i)
			}
		}

		candidateAdmitted := false
		inserted := false
		for _, i := range matchingPrev {
			consistency := d.prevConsistentGroups[i].consistency + 1
			if !consumed[i] && !inserted {
				// the first predecessor hit fixes the new group's count; a
				// previous group contributes to at most one current group
				currGroups = append(currGroups, consistentGroup{group: group, consistency: consistency})
				consumed[i] = true
				inserted = true
			}
			if consistency >= d.params.MinConsistency && !candidateAdmitted {
				admitted = append(admitted, candidate)
				candidateAdmitted = true
			}
		}

		if len(matchingPrev) == 0 {
			// a fresh group counts itself as its first agreeing keyframe
			currGroups = append(currGroups, consistentGroup{group: group, consistency: 1})
		}
	}

	d.prevConsistentGroups = currGroups
	return admitted
}

func groupsOverlap(a, b map[*slammap.KeyFrame]struct{}) bool {
	for kf := range b {
		if _, ok := a[kf]; ok {
			return true
		}
	}
	return false
}

// computeSim3 estimates the similarity transform for the admitted
// candidates by round-robin RANSAC, locking in the first candidate whose
// refined transform keeps enough inliers.
func (d *Detector) computeSim3(currentKF *slammap.KeyFrame, candidates []*slammap.KeyFrame) (*Loop, bool) {
	n := len(candidates)
	solvers := make([]Sim3Solver, n)
	matchSets := make([][]*slammap.MapPoint, n)
	discarded := make([]bool, n)
	remaining := 0

	for i, candidate := range candidates {
		// keep local mapping from culling it while we work on it
		candidate.SetNotErase()

		if candidate.IsBad() {
			discarded[i] = true
			continue
		}

		matches, count := d.matcher.SearchByBoW(currentKF, candidate)
		if count < d.params.MinBoWMatches {
			discarded[i] = true
			continue
		}

		solver := d.solverFactory(currentKF, candidate, matches, d.params.FixScale)
		solver.SetRansacParameters(d.params.RansacProbability, d.params.RansacMinInliers, d.params.RansacMaxIterations)
		solvers[i] = solver
		matchSets[i] = matches
		remaining++
	}

	for remaining > 0 {
		for i, candidate := range candidates {
			if discarded[i] {
				continue
			}

			scm, inlierMask, found := solvers[i].Iterate(ransacIterationsPerRound)

			if solvers[i].Terminate() {
				discarded[i] = true
				remaining--
			}

			if !found {
				continue
			}

			matches := make([]*slammap.MapPoint, len(matchSets[i]))
			for j, inlier := range inlierMask {
				if inlier {
					matches[j] = matchSets[i][j]
				}
			}

			d.matcher.SearchBySim3(currentKF, candidate, matches, scm, d.params.Sim3SearchRadius)

			inliers := d.optimizer.OptimizeSim3(currentKF, candidate, matches, &scm, d.params.MaxSim3Chi2, d.params.FixScale)
			if inliers < d.params.MinSim3Inliers {
				continue
			}

			smw := geometry.Sim3FromPose(candidate.Pose())
			return &Loop{
				MatchedKF:     candidate,
				Scw:           scm.Mul(smw),
				MatchedPoints: matches,
			}, true
		}
	}
	return nil, false
}

// gatherLoopMapPoints collects the map points visible from the matched
// keyframe and its covisible neighbors, deduplicating with a per-run stamp.
func (d *Detector) gatherLoopMapPoints(currentKF *slammap.KeyFrame, loop *Loop) {
	connected := append(loop.MatchedKF.CovisibleKeyFrames(), loop.MatchedKF)
	loop.LoopMapPoints = loop.LoopMapPoints[:0]
	for _, kf := range connected {
		for _, mp := range kf.MapPointMatches() {
			if mp == nil || mp.IsBad() || mp.LoopPointForKF == currentKF.ID {
				continue
			}
			loop.LoopMapPoints = append(loop.LoopMapPoints, mp)
			mp.LoopPointForKF = currentKF.ID
		}
	}
}
