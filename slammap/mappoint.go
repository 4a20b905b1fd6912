package slammap

import (
	"math"
	"sort"
	"sync"

	"github.com/golang/geo/r3"
)

// MapPoint is a persistent 3D landmark triangulated from keyframe
// observations.
type MapPoint struct {
	ID uint64

	// Scratch fields stamped by the loop closer. Written only by the loop
	// closer and read after the corresponding mutation completes.
	LoopPointForKF     uint64
	CorrectedByKF      uint64
	CorrectedReference uint64
	PosGBA             r3.Vector
	BAGlobalForKF      uint64

	mu           sync.RWMutex
	pos          r3.Vector
	observations map[*KeyFrame]int
	refKF        *KeyFrame
	descriptor   []byte
	normal       r3.Vector
	minDistance  float64
	maxDistance  float64
	bad          bool
	replacedBy   *MapPoint

	m *Map
}

// NewMapPoint constructs a map point at the given world position with the
// given reference keyframe.
func NewMapPoint(id uint64, pos r3.Vector, refKF *KeyFrame, m *Map) *MapPoint {
	return &MapPoint{
		ID:           id,
		pos:          pos,
		observations: make(map[*KeyFrame]int),
		refKF:        refKF,
		m:            m,
	}
}

// Position returns the world-space position.
func (mp *MapPoint) Position() r3.Vector {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.pos
}

// SetPosition overwrites the world-space position.
func (mp *MapPoint) SetPosition(pos r3.Vector) {
	mp.mu.Lock()
	mp.pos = pos
	mp.mu.Unlock()
}

// Observations returns a copy of the keyframe-to-slot observation map.
func (mp *MapPoint) Observations() map[*KeyFrame]int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	out := make(map[*KeyFrame]int, len(mp.observations))
	for kf, slot := range mp.observations {
		out[kf] = slot
	}
	return out
}

// ObservationCount returns the number of keyframes observing the point.
func (mp *MapPoint) ObservationCount() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return len(mp.observations)
}

// AddObservation records that kf observes this point at the given feature
// slot.
func (mp *MapPoint) AddObservation(kf *KeyFrame, slot int) {
	mp.mu.Lock()
	mp.observations[kf] = slot
	mp.mu.Unlock()
}

// EraseObservation withdraws kf's observation. A point that loses its
// reference keyframe is rereferenced; a point with fewer than two remaining
// observations is culled.
func (mp *MapPoint) EraseObservation(kf *KeyFrame) {
	cull := false
	mp.mu.Lock()
	if _, ok := mp.observations[kf]; ok {
		delete(mp.observations, kf)
		if mp.refKF == kf {
			for other := range mp.observations {
				mp.refKF = other
				break
			}
		}
		if len(mp.observations) < 2 {
			cull = true
		}
	}
	mp.mu.Unlock()
	if cull {
		mp.SetBadFlag()
	}
}

// IsInKeyFrame reports whether kf observes this point.
func (mp *MapPoint) IsInKeyFrame(kf *KeyFrame) bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	_, ok := mp.observations[kf]
	return ok
}

// ReferenceKeyFrame returns the point's reference keyframe.
func (mp *MapPoint) ReferenceKeyFrame() *KeyFrame {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.refKF
}

// Descriptor returns the point's distinctive descriptor.
func (mp *MapPoint) Descriptor() []byte {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.descriptor
}

// IsBad reports whether the point has been tombstoned.
func (mp *MapPoint) IsBad() bool {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.bad
}

// Replaced returns the point this one was replaced by, if any.
func (mp *MapPoint) Replaced() *MapPoint {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.replacedBy
}

// SetBadFlag tombstones the point and withdraws it from all observing
// keyframes and from the map.
func (mp *MapPoint) SetBadFlag() {
	mp.mu.Lock()
	if mp.bad {
		mp.mu.Unlock()
		return
	}
	mp.bad = true
	obs := mp.observations
	mp.observations = make(map[*KeyFrame]int)
	mp.mu.Unlock()

	for kf, slot := range obs {
		kf.EraseMapPointMatch(slot)
	}
	if mp.m != nil {
		mp.m.EraseMapPoint(mp)
	}
}

// Replace substitutes other for this point everywhere: observations are moved
// over (or dropped where other is already observed) and this point is
// tombstoned.
func (mp *MapPoint) Replace(other *MapPoint) {
	if other == nil || other.ID == mp.ID {
		return
	}

	mp.mu.Lock()
	if mp.bad {
		mp.mu.Unlock()
		return
	}
	mp.bad = true
	obs := mp.observations
	mp.observations = make(map[*KeyFrame]int)
	mp.replacedBy = other
	mp.mu.Unlock()

	for kf, slot := range obs {
		if !other.IsInKeyFrame(kf) {
			kf.AddMapPoint(other, slot)
			other.AddObservation(kf, slot)
		} else {
			kf.EraseMapPointMatch(slot)
		}
	}
	other.ComputeDistinctiveDescriptors()
	if mp.m != nil {
		mp.m.EraseMapPoint(mp)
	}
}

// ComputeDistinctiveDescriptors selects the observed descriptor with the
// least median distance to the rest as the point's representative.
func (mp *MapPoint) ComputeDistinctiveDescriptors() {
	type obs struct {
		kf   *KeyFrame
		slot int
	}
	var all []obs
	mp.mu.RLock()
	if mp.bad {
		mp.mu.RUnlock()
		return
	}
	for kf, slot := range mp.observations {
		all = append(all, obs{kf, slot})
	}
	mp.mu.RUnlock()

	var descriptors [][]byte
	for _, o := range all {
		if o.kf.IsBad() || o.slot >= len(o.kf.Descriptors) {
			continue
		}
		descriptors = append(descriptors, o.kf.Descriptors[o.slot])
	}
	if len(descriptors) == 0 {
		return
	}

	best := descriptors[0]
	bestMedian := math.MaxInt
	for i, d := range descriptors {
		dists := make([]int, 0, len(descriptors)-1)
		for j, e := range descriptors {
			if i == j {
				continue
			}
			dists = append(dists, DescriptorDistance(d, e))
		}
		median := 0
		if len(dists) > 0 {
			sort.Ints(dists)
			median = dists[len(dists)/2]
		}
		if median < bestMedian {
			bestMedian = median
			best = d
		}
	}

	mp.mu.Lock()
	mp.descriptor = best
	mp.mu.Unlock()
}

// UpdateNormalAndDepth recomputes the mean viewing direction and the
// scale-invariance distance interval from the current observations.
func (mp *MapPoint) UpdateNormalAndDepth() {
	mp.mu.RLock()
	if mp.bad || len(mp.observations) == 0 {
		mp.mu.RUnlock()
		return
	}
	obs := make(map[*KeyFrame]int, len(mp.observations))
	for kf, slot := range mp.observations {
		obs[kf] = slot
	}
	refKF := mp.refKF
	pos := mp.pos
	mp.mu.RUnlock()
	if refKF == nil {
		return
	}

	normal := r3.Vector{}
	n := 0
	for kf := range obs {
		center := kf.Pose().Inverse().T
		dir := pos.Sub(center)
		if norm := dir.Norm(); norm > 0 {
			normal = normal.Add(dir.Mul(1 / norm))
			n++
		}
	}
	if n == 0 {
		return
	}

	dist := pos.Sub(refKF.Pose().Inverse().T).Norm()
	slot := obs[refKF]
	octave := 0
	if slot < len(refKF.Keypoints) {
		octave = refKF.Keypoints[slot].Octave
	}
	levelFactor := math.Pow(refKF.ScaleFactor, float64(octave))

	mp.mu.Lock()
	mp.normal = normal.Mul(1 / float64(n))
	mp.maxDistance = dist * levelFactor
	mp.minDistance = mp.maxDistance / math.Pow(refKF.ScaleFactor, 7)
	mp.mu.Unlock()
}

// Normal returns the mean viewing direction.
func (mp *MapPoint) Normal() r3.Vector {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.normal
}

// DistanceInvariance returns the [min, max] distance interval inside which
// the point's descriptor is considered scale invariant.
func (mp *MapPoint) DistanceInvariance() (float64, float64) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return 0.8 * mp.minDistance, 1.2 * mp.maxDistance
}
