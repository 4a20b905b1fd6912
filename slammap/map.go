// Package slammap owns the shared SLAM map: the keyframe and map-point pools,
// the covisibility graph and spanning tree that connect them, and the single
// coarse-grained update lock every bulk mutation runs under.
package slammap

import (
	"sort"
	"sync"
)

// Map owns all live keyframes and map points. Bulk mutations (loop
// correction, global bundle adjustment application) must hold UpdateMu for
// their duration.
type Map struct {
	// UpdateMu is the map-update lock. It is acquired last in the loop
	// closer's lock order.
	UpdateMu sync.Mutex

	mu           sync.RWMutex
	keyframes    map[uint64]*KeyFrame
	mappoints    map[uint64]*MapPoint
	origins      []*KeyFrame
	maxKFID      uint64
	bigChangeIdx int
}

// NewMap returns an empty map.
func NewMap() *Map {
	return &Map{
		keyframes: make(map[uint64]*KeyFrame),
		mappoints: make(map[uint64]*MapPoint),
	}
}

// AddKeyFrame registers a keyframe. The first keyframe becomes a map origin.
func (m *Map) AddKeyFrame(kf *KeyFrame) {
	m.mu.Lock()
	m.keyframes[kf.ID] = kf
	if kf.ID > m.maxKFID {
		m.maxKFID = kf.ID
	}
	if len(m.origins) == 0 {
		m.origins = append(m.origins, kf)
	}
	m.mu.Unlock()
}

// AddMapPoint registers a map point.
func (m *Map) AddMapPoint(mp *MapPoint) {
	m.mu.Lock()
	m.mappoints[mp.ID] = mp
	m.mu.Unlock()
}

// EraseKeyFrame removes a keyframe from the live set. It does not touch the
// spanning tree; KeyFrame.SetBadFlag detaches a culled keyframe from its
// parent's children before calling it.
func (m *Map) EraseKeyFrame(kf *KeyFrame) {
	m.mu.Lock()
	delete(m.keyframes, kf.ID)
	m.mu.Unlock()
}

// EraseMapPoint removes a map point from the live set.
func (m *Map) EraseMapPoint(mp *MapPoint) {
	m.mu.Lock()
	delete(m.mappoints, mp.ID)
	m.mu.Unlock()
}

// KeyFrameOrigins returns the spanning-tree roots.
func (m *Map) KeyFrameOrigins() []*KeyFrame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*KeyFrame, len(m.origins))
	copy(out, m.origins)
	return out
}

// AllKeyFrames returns the live keyframes ordered by id.
func (m *Map) AllKeyFrames() []*KeyFrame {
	m.mu.RLock()
	out := make([]*KeyFrame, 0, len(m.keyframes))
	for _, kf := range m.keyframes {
		out = append(out, kf)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AllMapPoints returns the live map points ordered by id.
func (m *Map) AllMapPoints() []*MapPoint {
	m.mu.RLock()
	out := make([]*MapPoint, 0, len(m.mappoints))
	for _, mp := range m.mappoints {
		out = append(out, mp)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// KeyFramesInMap returns the number of live keyframes.
func (m *Map) KeyFramesInMap() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.keyframes)
}

// MapPointsInMap returns the number of live map points.
func (m *Map) MapPointsInMap() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.mappoints)
}

// MaxKeyFrameID returns the highest keyframe id registered since the map was
// created or last cleared.
func (m *Map) MaxKeyFrameID() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxKFID
}

// InformNewBigChange bumps the big-change counter. Called after every loop
// correction and every applied global bundle adjustment.
func (m *Map) InformNewBigChange() {
	m.mu.Lock()
	m.bigChangeIdx++
	m.mu.Unlock()
}

// LastBigChangeIndex returns the big-change counter.
func (m *Map) LastBigChangeIndex() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bigChangeIdx
}

// Clear empties both pools and drops the origins.
func (m *Map) Clear() {
	m.mu.Lock()
	m.keyframes = make(map[uint64]*KeyFrame)
	m.mappoints = make(map[uint64]*MapPoint)
	m.origins = nil
	m.maxKFID = 0
	m.mu.Unlock()
}
