package loopclosing

import (
	"testing"
	"time"

	"github.com/golang/geo/r3"

	"github.com/viam-modules/viam-orbslam/geometry"
	"github.com/viam-modules/viam-orbslam/slammap"
)

var testCamera = slammap.Camera{Fx: 500, Fy: 500, Cx: 320, Cy: 240}

func newTestKeyFrame(m *slammap.Map, id uint64, slots int) *slammap.KeyFrame {
	keypoints := make([]slammap.Keypoint, slots)
	descriptors := make([][]byte, slots)
	for i := range descriptors {
		d := make([]byte, 32)
		d[0] = byte(i)
		d[1] = byte(id)
		descriptors[i] = d
	}
	kf := slammap.NewKeyFrame(id, geometry.IdentityPose(), keypoints, descriptors, testCamera, m)
	m.AddKeyFrame(kf)
	return kf
}

// sharePoints creates n map points observed by every given keyframe at
// consecutive slots starting from base.
func sharePoints(m *slammap.Map, idBase uint64, base, n int, kfs ...*slammap.KeyFrame) []*slammap.MapPoint {
	points := make([]*slammap.MapPoint, n)
	for i := 0; i < n; i++ {
		mp := slammap.NewMapPoint(idBase+uint64(i), r3.Vector{X: float64(i), Z: 5}, kfs[0], m)
		m.AddMapPoint(mp)
		for _, kf := range kfs {
			kf.AddMapPoint(mp, base+i)
			mp.AddObservation(kf, base+i)
		}
		points[i] = mp
	}
	return points
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never held")
}
