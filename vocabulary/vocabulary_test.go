package vocabulary

import (
	"testing"

	"go.viam.com/test"

	"github.com/viam-modules/viam-orbslam/geometry"
	"github.com/viam-modules/viam-orbslam/slammap"
)

func testDescriptor(fill byte) []byte {
	d := make([]byte, descriptorBytes)
	for i := range d {
		d[i] = fill
	}
	return d
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = New([][]byte{make([]byte, 16)})
	test.That(t, err, test.ShouldNotBeNil)

	voc, err := New([][]byte{testDescriptor(0x00), testDescriptor(0xFF)})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, voc.Size(), test.ShouldEqual, 2)
}

func TestNewRandomDeterministic(t *testing.T) {
	a, err := NewRandom(64, 7)
	test.That(t, err, test.ShouldBeNil)
	b, err := NewRandom(64, 7)
	test.That(t, err, test.ShouldBeNil)

	descriptors := [][]byte{testDescriptor(0x0F), testDescriptor(0xAA)}
	bowA, _ := a.Transform(descriptors)
	bowB, _ := b.Transform(descriptors)
	test.That(t, bowA, test.ShouldResemble, bowB)
}

func TestTransform(t *testing.T) {
	voc, err := New([][]byte{testDescriptor(0x00), testDescriptor(0xFF)})
	test.That(t, err, test.ShouldBeNil)

	bow, features := voc.Transform([][]byte{
		testDescriptor(0x00),
		testDescriptor(0x01),
		testDescriptor(0xFF),
	})

	// two descriptors quantize to word 0, one to word 1; weights normalize
	test.That(t, bow[0], test.ShouldAlmostEqual, 2.0/3.0, 1e-12)
	test.That(t, bow[1], test.ShouldAlmostEqual, 1.0/3.0, 1e-12)
	test.That(t, features[0], test.ShouldResemble, []int{0, 1})
	test.That(t, features[1], test.ShouldResemble, []int{2})
}

func TestScore(t *testing.T) {
	voc, err := NewRandom(16, 1)
	test.That(t, err, test.ShouldBeNil)

	a := slammap.BowVector{0: 0.5, 1: 0.5}
	b := slammap.BowVector{2: 0.5, 3: 0.5}
	test.That(t, voc.Score(a, a), test.ShouldAlmostEqual, 1, 1e-12)
	test.That(t, voc.Score(a, b), test.ShouldAlmostEqual, 0, 1e-12)

	c := slammap.BowVector{0: 0.5, 2: 0.5}
	mid := voc.Score(a, c)
	test.That(t, mid, test.ShouldBeGreaterThan, 0)
	test.That(t, mid, test.ShouldBeLessThan, 1)
}

func newDBKeyFrame(m *slammap.Map, voc *Vocabulary, id uint64, descriptors [][]byte) *slammap.KeyFrame {
	keypoints := make([]slammap.Keypoint, len(descriptors))
	kf := slammap.NewKeyFrame(id, geometry.IdentityPose(), keypoints, descriptors, slammap.Camera{Fx: 500, Fy: 500, Cx: 320, Cy: 240}, m)
	kf.BowVec, kf.FeatVec = voc.Transform(descriptors)
	m.AddKeyFrame(kf)
	return kf
}

// sceneVocabulary maps each fill-byte descriptor used in the database tests
// onto its own word exactly.
func sceneVocabulary(t *testing.T) *Vocabulary {
	t.Helper()
	voc, err := New([][]byte{
		testDescriptor(0x11),
		testDescriptor(0x22),
		testDescriptor(0x44),
		testDescriptor(0xEE),
		testDescriptor(0xDD),
	})
	test.That(t, err, test.ShouldBeNil)
	return voc
}

func TestDetectLoopCandidates(t *testing.T) {
	voc := sceneVocabulary(t)
	db := NewKeyFrameDatabase(voc)
	m := slammap.NewMap()

	sameScene := [][]byte{testDescriptor(0x11), testDescriptor(0x22), testDescriptor(0x44)}
	otherScene := [][]byte{testDescriptor(0xEE), testDescriptor(0xDD)}

	query := newDBKeyFrame(m, voc, 10, sameScene)
	match := newDBKeyFrame(m, voc, 1, sameScene)
	other := newDBKeyFrame(m, voc, 2, otherScene)
	db.Add(match)
	db.Add(other)

	candidates := db.DetectLoopCandidates(query, 0.1)
	test.That(t, len(candidates), test.ShouldEqual, 1)
	test.That(t, candidates[0], test.ShouldEqual, match)

	// an impossibly high floor yields no candidates
	candidates = db.DetectLoopCandidates(query, 1.1)
	test.That(t, len(candidates), test.ShouldEqual, 0)
}

func TestAddIsIdempotent(t *testing.T) {
	voc := sceneVocabulary(t)
	db := NewKeyFrameDatabase(voc)
	m := slammap.NewMap()

	scene := [][]byte{testDescriptor(0x11), testDescriptor(0x22)}
	kf := newDBKeyFrame(m, voc, 1, scene)
	db.Add(kf)
	db.Add(kf)

	query := newDBKeyFrame(m, voc, 10, scene)
	candidates := db.DetectLoopCandidates(query, 0.1)
	test.That(t, len(candidates), test.ShouldEqual, 1)
}

func TestEraseAndClear(t *testing.T) {
	voc := sceneVocabulary(t)
	db := NewKeyFrameDatabase(voc)
	m := slammap.NewMap()

	scene := [][]byte{testDescriptor(0x11), testDescriptor(0x22)}
	kf := newDBKeyFrame(m, voc, 1, scene)
	query := newDBKeyFrame(m, voc, 10, scene)

	db.Add(kf)
	db.Erase(kf)
	test.That(t, len(db.DetectLoopCandidates(query, 0.1)), test.ShouldEqual, 0)

	db.Add(kf)
	db.Clear()
	test.That(t, len(db.DetectLoopCandidates(query, 0.1)), test.ShouldEqual, 0)
}
