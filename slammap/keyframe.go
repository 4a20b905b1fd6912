package slammap

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/viam-modules/viam-orbslam/geometry"
)

// covisibilityThreshold is the minimum number of shared map-point
// observations for a covisibility edge.
const covisibilityThreshold = 15

// Camera holds pinhole intrinsics.
type Camera struct {
	Fx, Fy, Cx, Cy float64
}

// Project maps a camera-frame point to pixel coordinates. Returns false for
// points at or behind the camera plane.
func (c Camera) Project(x, y, z float64) (float64, float64, bool) {
	if z <= 0 {
		return 0, 0, false
	}
	return c.Fx*x/z + c.Cx, c.Fy*y/z + c.Cy, true
}

// Keypoint is a detected image feature.
type Keypoint struct {
	U, V   float64
	Octave int
}

// KeyFrame is a frame retained in the map: a camera pose, the features
// detected in it, its map-point observations and its links in the
// covisibility graph and spanning tree.
type KeyFrame struct {
	ID uint64

	Keypoints   []Keypoint
	Descriptors [][]byte
	Camera      Camera
	ScaleFactor float64

	BowVec  BowVector
	FeatVec FeatureVector

	// Scratch fields for global bundle adjustment bookkeeping. Written only
	// by the loop closer.
	TcwGBA        geometry.Pose
	TcwBefGBA     geometry.Pose
	BAGlobalForKF uint64

	mu               sync.RWMutex
	pose             geometry.Pose
	mapPoints        []*MapPoint
	connectedWeights map[*KeyFrame]int
	orderedConnected []*KeyFrame
	parent           *KeyFrame
	children         map[*KeyFrame]struct{}
	loopEdges        map[*KeyFrame]struct{}
	firstConnection  bool

	notEraseCount atomic.Int32
	toBeErased    atomic.Bool
	bad           atomic.Bool

	m *Map
}

// NewKeyFrame constructs a keyframe with the given id, pose and features.
func NewKeyFrame(id uint64, pose geometry.Pose, keypoints []Keypoint, descriptors [][]byte, camera Camera, m *Map) *KeyFrame {
	return &KeyFrame{
		ID:               id,
		Keypoints:        keypoints,
		Descriptors:      descriptors,
		Camera:           camera,
		ScaleFactor:      1.2,
		pose:             pose,
		mapPoints:        make([]*MapPoint, len(keypoints)),
		connectedWeights: make(map[*KeyFrame]int),
		children:         make(map[*KeyFrame]struct{}),
		loopEdges:        make(map[*KeyFrame]struct{}),
		firstConnection:  true,
		m:                m,
	}
}

// Pose returns the current world-to-camera pose.
func (kf *KeyFrame) Pose() geometry.Pose {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.pose
}

// SetPose overwrites the world-to-camera pose.
func (kf *KeyFrame) SetPose(p geometry.Pose) {
	kf.mu.Lock()
	kf.pose = p
	kf.mu.Unlock()
}

// AddMapPoint records a map-point observation at the given feature slot.
func (kf *KeyFrame) AddMapPoint(mp *MapPoint, slot int) {
	kf.mu.Lock()
	kf.mapPoints[slot] = mp
	kf.mu.Unlock()
}

// EraseMapPointMatch clears the observation at the given feature slot.
func (kf *KeyFrame) EraseMapPointMatch(slot int) {
	kf.mu.Lock()
	kf.mapPoints[slot] = nil
	kf.mu.Unlock()
}

// MapPoint returns the map point observed at the given feature slot, or nil.
func (kf *KeyFrame) MapPoint(slot int) *MapPoint {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.mapPoints[slot]
}

// MapPointMatches returns a slot-indexed copy of the keyframe's map-point
// observations. Entries may be nil.
func (kf *KeyFrame) MapPointMatches() []*MapPoint {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]*MapPoint, len(kf.mapPoints))
	copy(out, kf.mapPoints)
	return out
}

// CovisibleKeyFrames returns the covisible neighbors ordered by decreasing
// shared-observation weight.
func (kf *KeyFrame) CovisibleKeyFrames() []*KeyFrame {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]*KeyFrame, len(kf.orderedConnected))
	copy(out, kf.orderedConnected)
	return out
}

// BestCovisibleKeyFrames returns up to n covisible neighbors by weight.
func (kf *KeyFrame) BestCovisibleKeyFrames(n int) []*KeyFrame {
	neighbors := kf.CovisibleKeyFrames()
	if len(neighbors) > n {
		neighbors = neighbors[:n]
	}
	return neighbors
}

// ConnectedKeyFrames returns the set of covisible neighbors.
func (kf *KeyFrame) ConnectedKeyFrames() map[*KeyFrame]struct{} {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make(map[*KeyFrame]struct{}, len(kf.connectedWeights))
	for n := range kf.connectedWeights {
		out[n] = struct{}{}
	}
	return out
}

// Weight returns the covisibility weight to the given neighbor, 0 if not
// connected.
func (kf *KeyFrame) Weight(other *KeyFrame) int {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.connectedWeights[other]
}

func (kf *KeyFrame) addConnection(other *KeyFrame, weight int) {
	kf.mu.Lock()
	kf.connectedWeights[other] = weight
	kf.sortConnectionsLocked()
	kf.mu.Unlock()
}

func (kf *KeyFrame) sortConnectionsLocked() {
	ordered := make([]*KeyFrame, 0, len(kf.connectedWeights))
	for n := range kf.connectedWeights {
		ordered = append(ordered, n)
	}
	sort.Slice(ordered, func(i, j int) bool {
		wi, wj := kf.connectedWeights[ordered[i]], kf.connectedWeights[ordered[j]]
		if wi != wj {
			return wi > wj
		}
		return ordered[i].ID < ordered[j].ID
	})
	kf.orderedConnected = ordered
}

// UpdateConnections recounts shared map-point observations with every other
// keyframe and rebuilds the covisibility edges. The first call also fixes the
// spanning-tree parent to the highest-weight neighbor.
func (kf *KeyFrame) UpdateConnections() {
	counter := make(map[*KeyFrame]int)
	for _, mp := range kf.MapPointMatches() {
		if mp == nil || mp.IsBad() {
			continue
		}
		for obsKF := range mp.Observations() {
			if obsKF == kf {
				continue
			}
			counter[obsKF]++
		}
	}
	if len(counter) == 0 {
		return
	}

	var maxKF *KeyFrame
	maxWeight := 0
	for other, w := range counter {
		if w > maxWeight || (w == maxWeight && (maxKF == nil || other.ID < maxKF.ID)) {
			maxWeight = w
			maxKF = other
		}
	}

	connected := make(map[*KeyFrame]int)
	for other, w := range counter {
		if w >= covisibilityThreshold {
			connected[other] = w
			other.addConnection(kf, w)
		}
	}
	if len(connected) == 0 {
		connected[maxKF] = maxWeight
		maxKF.addConnection(kf, maxWeight)
	}

	kf.mu.Lock()
	kf.connectedWeights = connected
	kf.sortConnectionsLocked()
	if kf.firstConnection && kf.ID != 0 {
		kf.parent = maxKF
		kf.firstConnection = false
		kf.mu.Unlock()
		maxKF.addChild(kf)
		return
	}
	kf.mu.Unlock()
}

// Parent returns the spanning-tree parent, nil for origins.
func (kf *KeyFrame) Parent() *KeyFrame {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	return kf.parent
}

// SetParent reattaches the keyframe in the spanning tree.
func (kf *KeyFrame) SetParent(parent *KeyFrame) {
	kf.mu.Lock()
	kf.parent = parent
	kf.mu.Unlock()
	if parent != nil {
		parent.addChild(kf)
	}
}

func (kf *KeyFrame) addChild(child *KeyFrame) {
	kf.mu.Lock()
	kf.children[child] = struct{}{}
	kf.mu.Unlock()
}

func (kf *KeyFrame) eraseChild(child *KeyFrame) {
	kf.mu.Lock()
	delete(kf.children, child)
	kf.mu.Unlock()
}

// Children returns the spanning-tree children.
func (kf *KeyFrame) Children() []*KeyFrame {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]*KeyFrame, 0, len(kf.children))
	for c := range kf.children {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AddLoopEdge records a loop-closure edge and pins the keyframe against
// culling.
func (kf *KeyFrame) AddLoopEdge(other *KeyFrame) {
	kf.mu.Lock()
	kf.loopEdges[other] = struct{}{}
	kf.mu.Unlock()
}

// LoopEdges returns the keyframes connected through loop closures.
func (kf *KeyFrame) LoopEdges() []*KeyFrame {
	kf.mu.RLock()
	defer kf.mu.RUnlock()
	out := make([]*KeyFrame, 0, len(kf.loopEdges))
	for e := range kf.loopEdges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetNotErase takes a cull-guard hold on the keyframe. Every hold must be
// paired with one SetErase.
func (kf *KeyFrame) SetNotErase() {
	kf.notEraseCount.Add(1)
}

// SetErase releases one cull-guard hold. If a cull was deferred while holds
// were outstanding, the last release performs it.
func (kf *KeyFrame) SetErase() {
	if kf.notEraseCount.Add(-1) <= 0 && kf.toBeErased.Load() {
		kf.SetBadFlag()
	}
}

// IsBad reports whether the keyframe has been culled.
func (kf *KeyFrame) IsBad() bool {
	return kf.bad.Load()
}

// SetBadFlag culls the keyframe: observations are withdrawn, children are
// reattached to this keyframe's parent and the keyframe is tombstoned. The
// cull is deferred while cull-guard holds are outstanding.
func (kf *KeyFrame) SetBadFlag() {
	if kf.ID == 0 {
		return
	}
	kf.mu.RLock()
	pinned := len(kf.loopEdges) > 0
	kf.mu.RUnlock()
	if pinned {
		return
	}
	if kf.notEraseCount.Load() > 0 {
		kf.toBeErased.Store(true)
		return
	}
	if !kf.bad.CompareAndSwap(false, true) {
		return
	}

	for slot, mp := range kf.MapPointMatches() {
		if mp == nil {
			continue
		}
		mp.EraseObservation(kf)
		kf.EraseMapPointMatch(slot)
	}

	kf.mu.Lock()
	for other := range kf.connectedWeights {
		other.eraseConnection(kf)
	}
	kf.connectedWeights = make(map[*KeyFrame]int)
	kf.orderedConnected = nil
	parent := kf.parent
	children := make([]*KeyFrame, 0, len(kf.children))
	for c := range kf.children {
		children = append(children, c)
	}
	kf.children = make(map[*KeyFrame]struct{})
	kf.mu.Unlock()

	for _, c := range children {
		c.SetParent(parent)
	}
	if parent != nil {
		parent.eraseChild(kf)
	}
	if kf.m != nil {
		kf.m.EraseKeyFrame(kf)
	}
}

func (kf *KeyFrame) eraseConnection(other *KeyFrame) {
	kf.mu.Lock()
	if _, ok := kf.connectedWeights[other]; ok {
		delete(kf.connectedWeights, other)
		kf.sortConnectionsLocked()
	}
	kf.mu.Unlock()
}
