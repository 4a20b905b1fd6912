package slammap

import (
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/viam-modules/viam-orbslam/geometry"
)

var testCamera = Camera{Fx: 500, Fy: 500, Cx: 320, Cy: 240}

func newTestKeyFrame(m *Map, id uint64, slots int) *KeyFrame {
	keypoints := make([]Keypoint, slots)
	descriptors := make([][]byte, slots)
	for i := range descriptors {
		d := make([]byte, 32)
		d[0] = byte(i)
		d[1] = byte(id)
		descriptors[i] = d
	}
	kf := NewKeyFrame(id, geometry.IdentityPose(), keypoints, descriptors, testCamera, m)
	m.AddKeyFrame(kf)
	return kf
}

// share creates n map points observed by every given keyframe, at consecutive
// slots starting from base.
func share(m *Map, base int, n int, kfs ...*KeyFrame) []*MapPoint {
	points := make([]*MapPoint, n)
	for i := 0; i < n; i++ {
		mp := NewMapPoint(uint64(base+i), r3.Vector{X: float64(i), Z: 5}, kfs[0], m)
		m.AddMapPoint(mp)
		for _, kf := range kfs {
			kf.AddMapPoint(mp, base+i)
			mp.AddObservation(kf, base+i)
		}
		points[i] = mp
	}
	return points
}

func TestCameraProject(t *testing.T) {
	u, v, ok := testCamera.Project(0, 0, 1)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, u, test.ShouldEqual, 320)
	test.That(t, v, test.ShouldEqual, 240)

	_, _, ok = testCamera.Project(1, 1, 0)
	test.That(t, ok, test.ShouldBeFalse)
	_, _, ok = testCamera.Project(1, 1, -2)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestUpdateConnections(t *testing.T) {
	m := NewMap()
	kf0 := newTestKeyFrame(m, 0, 40)
	kf1 := newTestKeyFrame(m, 1, 40)
	kf2 := newTestKeyFrame(m, 2, 40)

	share(m, 0, covisibilityThreshold, kf0, kf1)
	share(m, covisibilityThreshold, 5, kf0, kf2)

	kf1.UpdateConnections()
	kf2.UpdateConnections()

	test.That(t, kf1.Weight(kf0), test.ShouldEqual, covisibilityThreshold)
	test.That(t, kf0.Weight(kf1), test.ShouldEqual, covisibilityThreshold)

	// below the threshold the best neighbor is still linked
	test.That(t, kf2.Weight(kf0), test.ShouldEqual, 5)

	// the first update fixes the spanning-tree parent
	test.That(t, kf1.Parent(), test.ShouldEqual, kf0)
	test.That(t, kf2.Parent(), test.ShouldEqual, kf0)
	test.That(t, len(kf0.Children()), test.ShouldEqual, 2)
}

func TestCovisibleOrdering(t *testing.T) {
	m := NewMap()
	kf0 := newTestKeyFrame(m, 0, 60)
	kf1 := newTestKeyFrame(m, 1, 60)
	kf2 := newTestKeyFrame(m, 2, 60)

	share(m, 0, covisibilityThreshold, kf0, kf1)
	share(m, covisibilityThreshold, covisibilityThreshold+5, kf0, kf2)

	kf1.UpdateConnections()
	kf2.UpdateConnections()
	kf0.UpdateConnections()

	ordered := kf0.CovisibleKeyFrames()
	test.That(t, len(ordered), test.ShouldEqual, 2)
	test.That(t, ordered[0], test.ShouldEqual, kf2)
	test.That(t, ordered[1], test.ShouldEqual, kf1)

	best := kf0.BestCovisibleKeyFrames(1)
	test.That(t, len(best), test.ShouldEqual, 1)
	test.That(t, best[0], test.ShouldEqual, kf2)
}

func TestSetNotEraseDefersCull(t *testing.T) {
	m := NewMap()
	kf0 := newTestKeyFrame(m, 0, 40)
	kf1 := newTestKeyFrame(m, 1, 40)
	share(m, 0, covisibilityThreshold, kf0, kf1)
	kf1.UpdateConnections()

	kf1.SetNotErase()
	kf1.SetBadFlag()
	test.That(t, kf1.IsBad(), test.ShouldBeFalse)

	kf1.SetErase()
	test.That(t, kf1.IsBad(), test.ShouldBeTrue)
	test.That(t, m.KeyFramesInMap(), test.ShouldEqual, 1)
}

func TestSetBadFlagReattachesChildren(t *testing.T) {
	m := NewMap()
	kf0 := newTestKeyFrame(m, 0, 80)
	kf1 := newTestKeyFrame(m, 1, 80)
	kf2 := newTestKeyFrame(m, 2, 80)

	share(m, 0, covisibilityThreshold, kf0, kf1)
	share(m, covisibilityThreshold, covisibilityThreshold, kf1, kf2)
	kf1.UpdateConnections()
	kf2.UpdateConnections()
	test.That(t, kf2.Parent(), test.ShouldEqual, kf1)

	kf1.SetBadFlag()
	test.That(t, kf1.IsBad(), test.ShouldBeTrue)
	test.That(t, kf2.Parent(), test.ShouldEqual, kf0)
	children := kf0.Children()
	test.That(t, len(children), test.ShouldEqual, 1)
	test.That(t, children[0], test.ShouldEqual, kf2)
}

func TestOriginNeverCulled(t *testing.T) {
	m := NewMap()
	kf0 := newTestKeyFrame(m, 0, 10)
	kf0.SetBadFlag()
	test.That(t, kf0.IsBad(), test.ShouldBeFalse)
}

func TestLoopEdges(t *testing.T) {
	m := NewMap()
	kf0 := newTestKeyFrame(m, 0, 10)
	kf5 := newTestKeyFrame(m, 5, 10)
	kf0.AddLoopEdge(kf5)
	kf5.AddLoopEdge(kf0)
	test.That(t, kf0.LoopEdges(), test.ShouldResemble, []*KeyFrame{kf5})
	test.That(t, kf5.LoopEdges(), test.ShouldResemble, []*KeyFrame{kf0})

	// keyframes carrying a loop edge are never culled
	kf5.SetBadFlag()
	test.That(t, kf5.IsBad(), test.ShouldBeFalse)
}

func TestMapPointReplace(t *testing.T) {
	m := NewMap()
	kf0 := newTestKeyFrame(m, 0, 40)
	kf1 := newTestKeyFrame(m, 1, 40)
	kf2 := newTestKeyFrame(m, 2, 40)

	old := share(m, 0, 1, kf0, kf1)[0]
	repl := share(m, 1, 1, kf1, kf2)[0]

	old.Replace(repl)

	test.That(t, old.IsBad(), test.ShouldBeTrue)
	test.That(t, old.Replaced(), test.ShouldEqual, repl)
	// kf0's observation moves over; kf1 already observes the replacement
	test.That(t, repl.IsInKeyFrame(kf0), test.ShouldBeTrue)
	test.That(t, kf0.MapPoint(0), test.ShouldEqual, repl)
	test.That(t, kf1.MapPoint(0), test.ShouldBeNil)
	test.That(t, m.MapPointsInMap(), test.ShouldEqual, 1)
}

func TestMapPointEraseObservationCulls(t *testing.T) {
	m := NewMap()
	kf0 := newTestKeyFrame(m, 0, 40)
	kf1 := newTestKeyFrame(m, 1, 40)
	mp := share(m, 0, 1, kf0, kf1)[0]

	mp.EraseObservation(kf0)
	test.That(t, mp.IsBad(), test.ShouldBeTrue)
	test.That(t, m.MapPointsInMap(), test.ShouldEqual, 0)
}

func TestMapPointRereferenceOnErase(t *testing.T) {
	m := NewMap()
	kf0 := newTestKeyFrame(m, 0, 40)
	kf1 := newTestKeyFrame(m, 1, 40)
	kf2 := newTestKeyFrame(m, 2, 40)
	mp := share(m, 0, 1, kf0, kf1, kf2)[0]
	test.That(t, mp.ReferenceKeyFrame(), test.ShouldEqual, kf0)

	mp.EraseObservation(kf0)
	test.That(t, mp.IsBad(), test.ShouldBeFalse)
	test.That(t, mp.ReferenceKeyFrame(), test.ShouldNotEqual, kf0)
}

func TestComputeDistinctiveDescriptors(t *testing.T) {
	m := NewMap()
	kf0 := newTestKeyFrame(m, 0, 4)
	kf1 := newTestKeyFrame(m, 1, 4)
	kf2 := newTestKeyFrame(m, 2, 4)

	// two close descriptors and one outlier: the representative must be one
	// of the close pair
	kf0.Descriptors[0] = append(make([]byte, 31), 0x01)
	kf1.Descriptors[0] = append(make([]byte, 31), 0x03)
	kf2.Descriptors[0] = append(make([]byte, 31), 0xF0)

	mp := NewMapPoint(0, r3.Vector{Z: 5}, kf0, m)
	for _, kf := range []*KeyFrame{kf0, kf1, kf2} {
		kf.AddMapPoint(mp, 0)
		mp.AddObservation(kf, 0)
	}
	mp.ComputeDistinctiveDescriptors()

	d := mp.Descriptor()
	outlier := kf2.Descriptors[0]
	test.That(t, DescriptorDistance(d, outlier), test.ShouldBeGreaterThan, 0)
	test.That(t, DescriptorDistance(d, kf0.Descriptors[0]), test.ShouldBeLessThanOrEqualTo, 1)
}

func TestUpdateNormalAndDepth(t *testing.T) {
	m := NewMap()
	kf0 := newTestKeyFrame(m, 0, 4)
	mp := NewMapPoint(0, r3.Vector{Z: 5}, kf0, m)
	kf0.AddMapPoint(mp, 0)
	mp.AddObservation(kf0, 0)

	mp.UpdateNormalAndDepth()

	normal := mp.Normal()
	test.That(t, normal.Z, test.ShouldAlmostEqual, 1, 1e-9)
	minDist, maxDist := mp.DistanceInvariance()
	test.That(t, maxDist, test.ShouldBeGreaterThan, 0)
	test.That(t, minDist, test.ShouldBeLessThan, maxDist)
}

func TestDescriptorDistance(t *testing.T) {
	a := make([]byte, 32)
	b := make([]byte, 32)
	test.That(t, DescriptorDistance(a, b), test.ShouldEqual, 0)
	b[0] = 0xFF
	b[31] = 0x0F
	test.That(t, DescriptorDistance(a, b), test.ShouldEqual, 12)
}

func TestMapBigChangeCounter(t *testing.T) {
	m := NewMap()
	test.That(t, m.LastBigChangeIndex(), test.ShouldEqual, 0)
	m.InformNewBigChange()
	m.InformNewBigChange()
	test.That(t, m.LastBigChangeIndex(), test.ShouldEqual, 2)
}

func TestMapRegistry(t *testing.T) {
	m := NewMap()
	kf0 := newTestKeyFrame(m, 0, 4)
	kf3 := newTestKeyFrame(m, 3, 4)
	newTestKeyFrame(m, 1, 4)

	test.That(t, m.KeyFramesInMap(), test.ShouldEqual, 3)
	test.That(t, m.MaxKeyFrameID(), test.ShouldEqual, 3)
	test.That(t, m.KeyFrameOrigins(), test.ShouldResemble, []*KeyFrame{kf0})

	all := m.AllKeyFrames()
	test.That(t, len(all), test.ShouldEqual, 3)
	test.That(t, all[0].ID, test.ShouldEqual, 0)
	test.That(t, all[2].ID, test.ShouldEqual, 3)

	m.EraseKeyFrame(kf3)
	test.That(t, m.KeyFramesInMap(), test.ShouldEqual, 2)
	// the high-water mark survives erasure
	test.That(t, m.MaxKeyFrameID(), test.ShouldEqual, 3)

	m.Clear()
	test.That(t, m.KeyFramesInMap(), test.ShouldEqual, 0)
	test.That(t, len(m.KeyFrameOrigins()), test.ShouldEqual, 0)
}
