package localmapping

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.viam.com/rdk/logging"
	"go.viam.com/test"

	"github.com/viam-modules/viam-orbslam/geometry"
	"github.com/viam-modules/viam-orbslam/slammap"
)

type recordingSink struct {
	mu       sync.Mutex
	received []*slammap.KeyFrame
}

func (s *recordingSink) InsertKeyFrame(kf *slammap.KeyFrame) {
	s.mu.Lock()
	s.received = append(s.received, kf)
	s.mu.Unlock()
}

func (s *recordingSink) all() []*slammap.KeyFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*slammap.KeyFrame, len(s.received))
	copy(out, s.received)
	return out
}

func newTestKeyFrame(m *slammap.Map, id uint64) *slammap.KeyFrame {
	kf := slammap.NewKeyFrame(id, geometry.IdentityPose(), make([]slammap.Keypoint, 4), make([][]byte, 4),
		slammap.Camera{Fx: 500, Fy: 500, Cx: 320, Cy: 240}, m)
	m.AddKeyFrame(kf)
	return kf
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

func TestForwardsKeyFramesInOrder(t *testing.T) {
	logger := logging.NewTestLogger(t)
	m := slammap.NewMap()
	sink := &recordingSink{}
	lm := New(m, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		lm.Run(ctx)
	}()

	kf1 := newTestKeyFrame(m, 1)
	kf2 := newTestKeyFrame(m, 2)
	lm.InsertKeyFrame(kf1)
	lm.InsertKeyFrame(kf2)

	waitFor(t, func() bool { return len(sink.all()) == 2 })
	received := sink.all()
	test.That(t, received[0], test.ShouldEqual, kf1)
	test.That(t, received[1], test.ShouldEqual, kf2)

	lm.RequestFinish()
	workers.Wait()
	test.That(t, lm.IsFinished(), test.ShouldBeTrue)
}

func TestStopReleaseHandshake(t *testing.T) {
	logger := logging.NewTestLogger(t)
	m := slammap.NewMap()
	sink := &recordingSink{}
	lm := New(m, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		lm.Run(ctx)
	}()

	test.That(t, lm.IsStopped(), test.ShouldBeFalse)
	lm.RequestStop()
	waitFor(t, lm.IsStopped)

	// keyframes queued while stopped are not processed
	kf := newTestKeyFrame(m, 1)
	lm.InsertKeyFrame(kf)
	time.Sleep(20 * time.Millisecond)
	test.That(t, len(sink.all()), test.ShouldEqual, 0)

	lm.Release()
	test.That(t, lm.IsStopped(), test.ShouldBeFalse)
	waitFor(t, func() bool { return len(sink.all()) == 1 })

	lm.RequestFinish()
	workers.Wait()
}

func TestResetDropsQueue(t *testing.T) {
	logger := logging.NewTestLogger(t)
	m := slammap.NewMap()
	sink := &recordingSink{}
	lm := New(m, sink, logger)

	// not running: queued keyframes stay queued until reset
	lm.InsertKeyFrame(newTestKeyFrame(m, 1))
	lm.InsertKeyFrame(newTestKeyFrame(m, 2))
	lm.RequestReset()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		lm.Run(ctx)
	}()

	time.Sleep(20 * time.Millisecond)
	test.That(t, len(sink.all()), test.ShouldEqual, 0)

	lm.RequestFinish()
	workers.Wait()
}
