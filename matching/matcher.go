// Package matching implements descriptor matching between keyframes and map
// points: word-guided matching, projection-guided matching through a
// similarity transform, and map-point fusion.
package matching

import (
	"math"

	"github.com/viam-modules/viam-orbslam/geometry"
	"github.com/viam-modules/viam-orbslam/slammap"
)

const (
	thLow  = 50
	thHigh = 100
)

// Matcher matches binary descriptors. NNRatio is the Lowe ratio applied to
// the two best candidates in word-guided search.
type Matcher struct {
	NNRatio float64
}

// NewMatcher returns a matcher with the given nearest-neighbor ratio.
func NewMatcher(nnRatio float64) *Matcher {
	return &Matcher{NNRatio: nnRatio}
}

// SearchByBoW matches map points between two keyframes guided by their
// shared visual words. The returned slice is indexed by kf1 feature slot and
// holds the matched kf2 map point, nil where unmatched.
func (m *Matcher) SearchByBoW(kf1, kf2 *slammap.KeyFrame) ([]*slammap.MapPoint, int) {
	points1 := kf1.MapPointMatches()
	points2 := kf2.MapPointMatches()
	matches := make([]*slammap.MapPoint, len(points1))
	matched2 := make([]bool, len(points2))
	n := 0

	for word, slots1 := range kf1.FeatVec {
		slots2, ok := kf2.FeatVec[word]
		if !ok {
			continue
		}
		for _, slot1 := range slots1 {
			mp1 := points1[slot1]
			if mp1 == nil || mp1.IsBad() {
				continue
			}
			d1 := kf1.Descriptors[slot1]

			bestDist, secondDist := math.MaxInt, math.MaxInt
			bestSlot := -1
			for _, slot2 := range slots2 {
				mp2 := points2[slot2]
				if mp2 == nil || mp2.IsBad() || matched2[slot2] {
					continue
				}
				dist := slammap.DescriptorDistance(d1, kf2.Descriptors[slot2])
				if dist < bestDist {
					secondDist = bestDist
					bestDist = dist
					bestSlot = slot2
				} else if dist < secondDist {
					secondDist = dist
				}
			}
			if bestSlot < 0 || bestDist > thLow {
				continue
			}
			if secondDist != math.MaxInt && float64(bestDist) >= m.NNRatio*float64(secondDist) {
				continue
			}
			matches[slot1] = points2[bestSlot]
			matched2[bestSlot] = true
			n++
		}
	}
	return matches, n
}

// SearchBySim3 extends an existing match set between kf1 and kf2 by
// projecting kf2's map points into kf1 through S12 (the similarity mapping
// kf2's camera frame into kf1's). New matches are written into matches in
// place; the total number of non-nil entries is returned.
func (m *Matcher) SearchBySim3(kf1, kf2 *slammap.KeyFrame, matches []*slammap.MapPoint, s12 geometry.Sim3, radius float64) int {
	t2w := geometry.Sim3FromPose(kf2.Pose())
	// world -> kf1 camera through the candidate similarity
	s1w := s12.Mul(t2w)

	alreadyMatched := make(map[*slammap.MapPoint]struct{})
	for _, mp := range matches {
		if mp != nil {
			alreadyMatched[mp] = struct{}{}
		}
	}

	for _, mp2 := range kf2.MapPointMatches() {
		if mp2 == nil || mp2.IsBad() {
			continue
		}
		if _, dup := alreadyMatched[mp2]; dup {
			continue
		}
		slot, ok := m.bestProjectedSlot(kf1, s1w, mp2, radius)
		if !ok || matches[slot] != nil {
			continue
		}
		matches[slot] = mp2
	}

	n := 0
	for _, mp := range matches {
		if mp != nil {
			n++
		}
	}
	return n
}

// SearchByProjection projects loop-side map points into kf through Scw and
// records new matches in matched (indexed by kf feature slot). Returns the
// number of matches added.
func (m *Matcher) SearchByProjection(kf *slammap.KeyFrame, scw geometry.Sim3, points []*slammap.MapPoint, matched []*slammap.MapPoint, radius float64) int {
	alreadyMatched := make(map[*slammap.MapPoint]struct{})
	for _, mp := range matched {
		if mp != nil {
			alreadyMatched[mp] = struct{}{}
		}
	}

	added := 0
	for _, mp := range points {
		if mp == nil || mp.IsBad() {
			continue
		}
		if _, dup := alreadyMatched[mp]; dup {
			continue
		}
		slot, ok := m.bestProjectedSlot(kf, scw, mp, radius)
		if !ok || matched[slot] != nil {
			continue
		}
		matched[slot] = mp
		added++
	}
	return added
}

// Fuse projects the given map points into kf through Scw. Where kf already
// observes a map point at the matched slot, that duplicate is reported in
// replacements (indexed like points) for the caller to resolve under the map
// lock; otherwise the point is added as a new observation.
func (m *Matcher) Fuse(kf *slammap.KeyFrame, scw geometry.Sim3, points []*slammap.MapPoint, radius float64, replacements []*slammap.MapPoint) {
	for i, mp := range points {
		if mp == nil || mp.IsBad() || mp.IsInKeyFrame(kf) {
			continue
		}
		slot, ok := m.bestProjectedSlot(kf, scw, mp, radius)
		if !ok {
			continue
		}
		if existing := kf.MapPoint(slot); existing != nil && !existing.IsBad() {
			replacements[i] = existing
			continue
		}
		kf.AddMapPoint(mp, slot)
		mp.AddObservation(kf, slot)
		mp.ComputeDistinctiveDescriptors()
	}
}

// bestProjectedSlot projects a map point into kf through scw and returns the
// feature slot with the closest descriptor inside the search window.
func (m *Matcher) bestProjectedSlot(kf *slammap.KeyFrame, scw geometry.Sim3, mp *slammap.MapPoint, radius float64) (int, bool) {
	pc := scw.Map(mp.Position())
	u, v, ok := kf.Camera.Project(pc.X, pc.Y, pc.Z)
	if !ok {
		return 0, false
	}

	// Depth must be inside the point's scale-invariance interval when known.
	minDist, maxDist := mp.DistanceInvariance()
	if maxDist > 0 {
		dist := pc.Norm()
		if dist < minDist || dist > maxDist {
			return 0, false
		}
	}

	descriptor := mp.Descriptor()
	if descriptor == nil {
		return 0, false
	}

	bestDist := thHigh + 1
	bestSlot := -1
	for slot, kp := range kf.Keypoints {
		r := radius * math.Pow(kf.ScaleFactor, float64(kp.Octave))
		if math.Abs(kp.U-u) > r || math.Abs(kp.V-v) > r {
			continue
		}
		dist := slammap.DescriptorDistance(descriptor, kf.Descriptors[slot])
		if dist < bestDist {
			bestDist = dist
			bestSlot = slot
		}
	}
	if bestSlot < 0 || bestDist > thLow {
		return 0, false
	}
	return bestSlot, true
}
