package optimize

import (
	"github.com/golang/geo/r3"
	"go.viam.com/rdk/logging"

	"github.com/viam-modules/viam-orbslam/geometry"
	"github.com/viam-modules/viam-orbslam/slammap"
)

// Optimizer is the default graph-optimization backend.
type Optimizer struct {
	logger logging.Logger
}

// NewOptimizer returns an optimizer logging through the given logger.
func NewOptimizer(logger logging.Logger) *Optimizer {
	return &Optimizer{logger: logger}
}

// OptimizeSim3 refines the similarity transform s12 mapping kf2's camera
// frame into kf1's over the matched map points, rejecting correspondences
// whose two-view reprojection chi-square exceeds maxChi2. Rejected matches
// are nulled in place. Returns the surviving inlier count.
func (o *Optimizer) OptimizeSim3(kf1, kf2 *slammap.KeyFrame, matches []*slammap.MapPoint, s12 *geometry.Sim3, maxChi2 float64, fixScale bool) int {
	t1w := kf1.Pose()
	t2w := kf2.Pose()
	points1 := kf1.MapPointMatches()

	type pair struct {
		x1, x2         r3.Vector
		slot1, slot2   int
	}
	var pairs []pair
	var pairSlots []int
	for slot1, mp2 := range matches {
		if mp2 == nil || mp2.IsBad() {
			continue
		}
		mp1 := points1[slot1]
		if mp1 == nil || mp1.IsBad() {
			continue
		}
		slot2, ok := mp2.Observations()[kf2]
		if !ok {
			continue
		}
		pairs = append(pairs, pair{
			x1:    t1w.Apply(mp1.Position()),
			x2:    t2w.Apply(mp2.Position()),
			slot1: slot1,
			slot2: slot2,
		})
		pairSlots = append(pairSlots, slot1)
	}
	if len(pairs) < 3 {
		return 0
	}

	inlier := make([]bool, len(pairs))
	for i := range inlier {
		inlier[i] = true
	}
	current := *s12

	const rounds = 5
	for round := 0; round < rounds; round++ {
		var src, dst []r3.Vector
		for i, p := range pairs {
			if inlier[i] {
				src = append(src, p.x2)
				dst = append(dst, p.x1)
			}
		}
		if len(src) < 3 {
			break
		}
		model, ok := hornAlignment(src, dst, fixScale)
		if !ok {
			break
		}
		current = model

		inverse := current.Inverse()
		changed := false
		for i, p := range pairs {
			if !inlier[i] {
				continue
			}
			chi2 := maxChi2 + 1
			c1 := current.Map(p.x2)
			c2 := inverse.Map(p.x1)
			u1, v1, ok1 := kf1.Camera.Project(c1.X, c1.Y, c1.Z)
			u2, v2, ok2 := kf2.Camera.Project(c2.X, c2.Y, c2.Z)
			if ok1 && ok2 {
				kp1 := kf1.Keypoints[p.slot1]
				kp2 := kf2.Keypoints[p.slot2]
				e1 := sq(u1-kp1.U) + sq(v1-kp1.V)
				e2 := sq(u2-kp2.U) + sq(v2-kp2.V)
				if e1 > e2 {
					chi2 = e1
				} else {
					chi2 = e2
				}
			}
			if chi2 > maxChi2 {
				inlier[i] = false
				changed = true
			}
		}
		if !changed {
			break
		}
	}

	count := 0
	for i := range pairs {
		if inlier[i] {
			count++
		} else {
			matches[pairSlots[i]] = nil
		}
	}
	if count >= 3 {
		*s12 = current
	}
	return count
}

// OptimizeEssentialGraph distributes a loop correction over the whole
// keyframe graph. Keyframes in the corrected set keep their corrected poses;
// every other keyframe inherits its nearest corrected ancestor's correction
// through the spanning tree, and map points not already corrected by the
// loop closer are re-mapped through their reference keyframe's pose change.
// The write-back runs under the map-update lock.
func (o *Optimizer) OptimizeEssentialGraph(
	m *slammap.Map,
	loopKF, currentKF *slammap.KeyFrame,
	nonCorrected, corrected slammap.KeyFrameSim3,
	loopConnections slammap.LoopConnections,
	fixScale bool,
) {
	o.logger.Debugw("optimizing essential graph",
		"loopKF", loopKF.ID,
		"currentKF", currentKF.ID,
		"correctedKFs", len(corrected),
		"loopConnections", len(loopConnections),
		"fixScale", fixScale,
	)

	m.UpdateMu.Lock()
	defer m.UpdateMu.Unlock()

	// Pre-correction poses: the corrector recorded them for the corrected
	// neighborhood; everything else is still at its old pose.
	oldPose := make(map[*slammap.KeyFrame]geometry.Pose)
	newPose := make(map[*slammap.KeyFrame]geometry.Pose)
	for kf, s := range nonCorrected {
		oldPose[kf] = s.Pose()
	}

	queue := m.KeyFrameOrigins()
	for len(queue) > 0 {
		kf := queue[0]
		queue = queue[1:]
		queue = append(queue, kf.Children()...)

		old, known := oldPose[kf]
		if !known {
			old = kf.Pose()
			oldPose[kf] = old
		}

		if s, ok := corrected[kf]; ok {
			newPose[kf] = s.Pose()
			continue
		}
		parent := kf.Parent()
		if parent == nil {
			newPose[kf] = old
			continue
		}
		parentOld, ok := oldPose[parent]
		parentNew, ok2 := newPose[parent]
		if !ok || !ok2 {
			newPose[kf] = old
			continue
		}
		// keep the old relative pose to the parent
		relative := old.Mul(parentOld.Inverse())
		newPose[kf] = relative.Mul(parentNew)
	}

	for kf, pose := range newPose {
		kf.SetPose(pose)
	}

	for _, mp := range m.AllMapPoints() {
		if mp.IsBad() || mp.CorrectedByKF == currentKF.ID {
			continue
		}
		ref := mp.ReferenceKeyFrame()
		if ref == nil {
			continue
		}
		old, okOld := oldPose[ref]
		updated, okNew := newPose[ref]
		if !okOld || !okNew || old == updated {
			continue
		}
		// transfer through the reference keyframe's camera frame
		camera := old.Apply(mp.Position())
		mp.SetPosition(updated.Inverse().Apply(camera))
		mp.UpdateNormalAndDepth()
	}
}
