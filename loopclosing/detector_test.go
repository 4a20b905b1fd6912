package loopclosing

import (
	"testing"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/viam-orbslam/geometry"
	"github.com/viam-modules/viam-orbslam/loopclosing/inject"
	"github.com/viam-modules/viam-orbslam/slammap"
)

// detectorHarness wires a detector over inject collaborators configured so
// that any consistency-admitted candidate sails through Sim3 estimation with
// enough matches to be accepted.
type detectorHarness struct {
	m         *slammap.Map
	db        *inject.KeyFrameDatabase
	matcher   *inject.Matcher
	optimizer *inject.Optimizer
	detector  *Detector

	candidate  *slammap.KeyFrame
	matchCount int
}

func newDetectorHarness(t *testing.T) *detectorHarness {
	t.Helper()
	m := slammap.NewMap()

	h := &detectorHarness{
		m:          m,
		db:         &inject.KeyFrameDatabase{},
		matcher:    &inject.Matcher{},
		optimizer:  &inject.Optimizer{},
		matchCount: 45,
	}

	// the historical keyframe closing the loop, with enough observed points
	// for the extended-neighborhood gathering
	h.candidate = newTestKeyFrame(m, 2, 64)
	sharePoints(m, 100, 0, h.matchCount, h.candidate)

	h.db.DetectLoopCandidatesFunc = func(*slammap.KeyFrame, float64) []*slammap.KeyFrame {
		return []*slammap.KeyFrame{h.candidate}
	}
	h.matcher.SearchByBoWFunc = func(kf1, kf2 *slammap.KeyFrame) ([]*slammap.MapPoint, int) {
		matches := make([]*slammap.MapPoint, len(kf1.Keypoints))
		n := 0
		for i, mp := range kf2.MapPointMatches() {
			if mp == nil || n >= h.matchCount || i >= len(matches) {
				continue
			}
			matches[i] = mp
			n++
		}
		return matches, n
	}

	solverFactory := func(kf1, kf2 *slammap.KeyFrame, matches []*slammap.MapPoint, fixScale bool) Sim3Solver {
		solver := &inject.Sim3Solver{}
		solver.IterateFunc = func(int) (geometry.Sim3, []bool, bool) {
			mask := make([]bool, len(matches))
			for i := range mask {
				mask[i] = matches[i] != nil
			}
			return geometry.IdentitySim3(), mask, true
		}
		solver.TerminateFunc = func() bool { return false }
		return solver
	}

	h.detector = NewDetector(h.db, &inject.Vocabulary{}, h.matcher, solverFactory, h.optimizer, DefaultParams(), logging.NewTestLogger(t))
	return h
}

func TestDetectorAdmissionFilter(t *testing.T) {
	h := newDetectorHarness(t)
	queried := false
	h.db.DetectLoopCandidatesFunc = func(*slammap.KeyFrame, float64) []*slammap.KeyFrame {
		queried = true
		return []*slammap.KeyFrame{h.candidate}
	}

	// a loop was accepted at id 12; id 15 is within the gap even with a
	// strong database match waiting
	currentKF := newTestKeyFrame(h.m, 15, 64)
	_, found := h.detector.Detect(currentKF, 12)
	test.That(t, found, test.ShouldBeFalse)
	test.That(t, queried, test.ShouldBeFalse)

	// outside the gap the candidate is at least considered
	currentKF = newTestKeyFrame(h.m, 22, 64)
	h.detector.Detect(currentKF, 12)
	test.That(t, queried, test.ShouldBeTrue)
}

func TestDetectorConsistencyAdmitsOnThird(t *testing.T) {
	h := newDetectorHarness(t)

	kf20 := newTestKeyFrame(h.m, 20, 64)
	kf21 := newTestKeyFrame(h.m, 21, 64)
	kf22 := newTestKeyFrame(h.m, 22, 64)

	_, found := h.detector.Detect(kf20, 0)
	test.That(t, found, test.ShouldBeFalse)

	_, found = h.detector.Detect(kf21, 0)
	test.That(t, found, test.ShouldBeFalse)

	loop, found := h.detector.Detect(kf22, 0)
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, loop.MatchedKF, test.ShouldEqual, h.candidate)

	matched := 0
	for _, mp := range loop.MatchedPoints {
		if mp != nil {
			matched++
		}
	}
	test.That(t, matched, test.ShouldBeGreaterThanOrEqualTo, DefaultParams().MinTotalMatches)
	test.That(t, len(loop.LoopMapPoints), test.ShouldEqual, h.matchCount)
}

func TestDetectorEmptyCandidatesClearCache(t *testing.T) {
	h := newDetectorHarness(t)

	kf20 := newTestKeyFrame(h.m, 20, 64)
	kf21 := newTestKeyFrame(h.m, 21, 64)

	h.detector.Detect(kf20, 0)
	h.detector.Detect(kf21, 0)

	// a miss in the database resets the consistency chain
	h.db.DetectLoopCandidatesFunc = func(*slammap.KeyFrame, float64) []*slammap.KeyFrame { return nil }
	_, found := h.detector.Detect(newTestKeyFrame(h.m, 22, 64), 0)
	test.That(t, found, test.ShouldBeFalse)

	h.db.DetectLoopCandidatesFunc = func(*slammap.KeyFrame, float64) []*slammap.KeyFrame {
		return []*slammap.KeyFrame{h.candidate}
	}
	_, found = h.detector.Detect(newTestKeyFrame(h.m, 23, 64), 0)
	test.That(t, found, test.ShouldBeFalse)
	_, found = h.detector.Detect(newTestKeyFrame(h.m, 24, 64), 0)
	test.That(t, found, test.ShouldBeFalse)

	// the chain is whole again only on the third consecutive agreement
	_, found = h.detector.Detect(newTestKeyFrame(h.m, 25, 64), 0)
	test.That(t, found, test.ShouldBeTrue)
}

func TestDetectorInsufficientBoWMatches(t *testing.T) {
	h := newDetectorHarness(t)
	h.matcher.SearchByBoWFunc = func(kf1, kf2 *slammap.KeyFrame) ([]*slammap.MapPoint, int) {
		return make([]*slammap.MapPoint, len(kf1.Keypoints)), 5
	}

	for id := uint64(20); id <= 24; id++ {
		_, found := h.detector.Detect(newTestKeyFrame(h.m, id, 64), 0)
		test.That(t, found, test.ShouldBeFalse)
	}

	// all cull-guard holds were released on the failed attempts
	h.candidate.SetBadFlag()
	test.That(t, h.candidate.IsBad(), test.ShouldBeTrue)
}

func TestDetectorKeepsHoldOnMatchedKeyFrame(t *testing.T) {
	h := newDetectorHarness(t)

	h.detector.Detect(newTestKeyFrame(h.m, 20, 64), 0)
	h.detector.Detect(newTestKeyFrame(h.m, 21, 64), 0)
	_, found := h.detector.Detect(newTestKeyFrame(h.m, 22, 64), 0)
	test.That(t, found, test.ShouldBeTrue)

	// the matched keyframe stays pinned until the corrector is done with it
	h.candidate.SetBadFlag()
	test.That(t, h.candidate.IsBad(), test.ShouldBeFalse)

	h.candidate.SetErase()
	test.That(t, h.candidate.IsBad(), test.ShouldBeTrue)
}

func TestDetectorRejectsBelowProjectionThreshold(t *testing.T) {
	h := newDetectorHarness(t)
	h.matchCount = 25 // enough for Sim3, short of the projection threshold

	h.detector.Detect(newTestKeyFrame(h.m, 20, 64), 0)
	h.detector.Detect(newTestKeyFrame(h.m, 21, 64), 0)
	_, found := h.detector.Detect(newTestKeyFrame(h.m, 22, 64), 0)
	test.That(t, found, test.ShouldBeFalse)

	h.candidate.SetBadFlag()
	test.That(t, h.candidate.IsBad(), test.ShouldBeTrue)
}

func TestDetectorDeterministic(t *testing.T) {
	run := func() []bool {
		h := newDetectorHarness(t)
		var results []bool
		for id := uint64(20); id < 26; id++ {
			_, found := h.detector.Detect(newTestKeyFrame(h.m, id, 64), 0)
			results = append(results, found)
		}
		return results
	}
	test.That(t, run(), test.ShouldResemble, run())
}

func TestDetectorResetClearsChain(t *testing.T) {
	h := newDetectorHarness(t)

	h.detector.Detect(newTestKeyFrame(h.m, 20, 64), 0)
	h.detector.Detect(newTestKeyFrame(h.m, 21, 64), 0)
	h.detector.Reset()

	_, found := h.detector.Detect(newTestKeyFrame(h.m, 22, 64), 0)
	test.That(t, found, test.ShouldBeFalse)
	_, found = h.detector.Detect(newTestKeyFrame(h.m, 23, 64), 0)
	test.That(t, found, test.ShouldBeFalse)
	_, found = h.detector.Detect(newTestKeyFrame(h.m, 24, 64), 0)
	test.That(t, found, test.ShouldBeTrue)
}
