package frontend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.swarmvio.dev/vio/config"
	"go.swarmvio.dev/vio/estimator"
	"go.swarmvio.dev/vio/logging"
	"go.swarmvio.dev/vio/pgo"
	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
)

type fakeDetector struct {
	mu        sync.Mutex
	frames    []state.FrameID
	matchOnly []bool
	edges     []pgo.LoopEdge
}

func (d *fakeDetector) ProcessImageArray(
	ctx context.Context,
	frame estimator.VisualImageDescArray,
	matchOnly bool,
) ([]pgo.LoopEdge, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frames = append(d.frames, frame.FrameID)
	d.matchOnly = append(d.matchOnly, matchOnly)
	return d.edges, nil
}

func (d *fakeDetector) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.frames)
}

type fakeBroadcaster struct {
	mu        sync.Mutex
	keyframes []state.FrameID
	edges     []pgo.LoopEdge
}

func (b *fakeBroadcaster) BroadcastKeyframe(ctx context.Context, kf state.VINSFrame, image estimator.VisualImageDescArray) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.keyframes = append(b.keyframes, kf.FrameID)
	return nil
}

func (b *fakeBroadcaster) BroadcastLoopEdge(ctx context.Context, edge pgo.LoopEdge) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.edges = append(b.edges, edge)
	return nil
}

func (b *fakeBroadcaster) numEdges() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.edges)
}

func keyframe(drone int, id state.FrameID) state.VINSFrame {
	return state.VINSFrame{
		FrameID:        id,
		DroneID:        drone,
		Stamp:          float64(id),
		Pose:           spatialmath.NewZeroPose(),
		InitialEgoPose: spatialmath.NewZeroPose(),
	}
}

func image(drone int, id state.FrameID, stamp float64, isKeyframe bool) estimator.VisualImageDescArray {
	return estimator.VisualImageDescArray{FrameID: id, DroneID: drone, Stamp: stamp, IsKeyframe: isKeyframe}
}

func newTestFrontend(
	t *testing.T,
	cfg *config.Config,
	det LoopDetector,
	bc Broadcaster,
) (*Frontend, *clock.Mock) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	mock := clock.NewMock()
	fe := New(cfg, pgo.NewState(0, false, logger), det, bc, mock, logger)
	t.Cleanup(func() {
		test.That(t, fe.Close(), test.ShouldBeNil)
	})
	return fe, mock
}

func TestLoopQueue(t *testing.T) {
	q := NewLoopQueue(2)
	_, ok := q.Pop()
	test.That(t, ok, test.ShouldBeFalse)

	test.That(t, q.Push(LoopItem{Frame: image(0, 1, 1, true)}), test.ShouldBeFalse)
	test.That(t, q.Push(LoopItem{Frame: image(0, 2, 2, true)}), test.ShouldBeFalse)
	test.That(t, q.Push(LoopItem{Frame: image(0, 3, 3, false), MatchOnly: true}), test.ShouldBeTrue)
	test.That(t, q.Len(), test.ShouldEqual, 2)
	test.That(t, q.Dropped(), test.ShouldEqual, int64(1))

	item, ok := q.Pop()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, item.Frame.FrameID, test.ShouldEqual, state.FrameID(2))
	item, ok = q.Pop()
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, item.Frame.FrameID, test.ShouldEqual, state.FrameID(3))
	test.That(t, item.MatchOnly, test.ShouldBeTrue)
	test.That(t, q.Len(), test.ShouldEqual, 0)
}

func TestKeyframeFallback(t *testing.T) {
	kf := NewKeyframeFallback(15*time.Second, time.Second)
	test.That(t, kf.State(), test.ShouldEqual, WaitingFirstImage)

	steps := []struct {
		stamp      float64
		isKeyframe bool
		want       Decision
		state      FallbackState
	}{
		{0.5, false, Ignore, WaitingFirstImage},
		{1.5, false, AcceptAsKeyframe, Tracking},
		{2, true, AcceptAsKeyframe, Tracking},
		{10, false, Ignore, Tracking},
		{17.5, false, AcceptAsMatchOnly, Tracking},
		{18, false, Ignore, Tracking},
		{18.5, true, AcceptAsKeyframe, Tracking},
	}
	for _, s := range steps {
		test.That(t, kf.Decide(s.stamp, s.isKeyframe), test.ShouldEqual, s.want)
		test.That(t, kf.State(), test.ShouldEqual, s.state)
	}
	test.That(t, kf.LastKeyframeStamp(), test.ShouldEqual, 18.5)
	test.That(t, AcceptAsMatchOnly.String(), test.ShouldEqual, "accept_as_match_only")
}

func TestKeyframeFallbackFirstKeyframe(t *testing.T) {
	kf := NewKeyframeFallback(15*time.Second, time.Second)
	test.That(t, kf.Decide(0.2, true), test.ShouldEqual, AcceptAsKeyframe)
	// The init wait no longer applies once tracking.
	test.That(t, kf.Decide(5, false), test.ShouldEqual, Ignore)
}

func TestProcessFrameQueuesForLoopDetection(t *testing.T) {
	det := &fakeDetector{}
	bc := &fakeBroadcaster{}
	fe, mock := newTestFrontend(t, config.DefaultConfig(), det, bc)

	test.That(t, fe.ProcessFrame(image(0, 1, 0.5, false)), test.ShouldEqual, Ignore)
	test.That(t, fe.QueueLen(), test.ShouldEqual, 0)
	test.That(t, fe.FallbackState(), test.ShouldEqual, WaitingFirstImage)

	graph := fe.Graph()
	a, b := keyframe(0, 1), keyframe(0, 2)
	test.That(t, fe.OnLocalKeyframe(context.Background(), a, image(0, 1, 1, true)), test.ShouldBeNil)
	test.That(t, fe.OnLocalKeyframe(context.Background(), b, image(0, 2, 2, true)), test.ShouldBeNil)
	test.That(t, graph.Size(0), test.ShouldEqual, 2)
	err := fe.OnLocalKeyframe(context.Background(), b, image(0, 2, 2, true))
	test.That(t, errors.Is(err, state.ErrDuplicateFrame), test.ShouldBeTrue)

	det.mu.Lock()
	det.edges = []pgo.LoopEdge{pgo.NewLoopEdge(a, b, spatialmath.NewZeroPose(), 0.9)}
	det.mu.Unlock()

	test.That(t, fe.ProcessFrame(image(0, 2, 2, true)), test.ShouldEqual, AcceptAsKeyframe)
	test.That(t, fe.FallbackState(), test.ShouldEqual, Tracking)
	test.That(t, fe.QueueLen(), test.ShouldEqual, 1)

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		mock.Add(fe.cfg.LoopPeriod())
		test.That(tb, det.calls(), test.ShouldEqual, 1)
	})
	select {
	case edge := <-fe.LoopEdges():
		test.That(t, edge.FrameA, test.ShouldEqual, state.FrameID(1))
		test.That(t, edge.FrameB, test.ShouldEqual, state.FrameID(2))
	case <-time.After(5 * time.Second):
		t.Fatal("no loop edge published")
	}
	test.That(t, len(graph.LoopEdges()), test.ShouldEqual, 1)
	test.That(t, bc.numEdges(), test.ShouldEqual, 1)

	bc.mu.Lock()
	test.That(t, bc.keyframes, test.ShouldResemble, []state.FrameID{1, 2})
	bc.mu.Unlock()
	det.mu.Lock()
	test.That(t, det.matchOnly, test.ShouldResemble, []bool{false})
	det.mu.Unlock()
}

func TestProcessFrameLoopDisabled(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Frontend.EnableLoop = false
	fe, _ := newTestFrontend(t, cfg, &fakeDetector{}, nil)
	test.That(t, fe.ProcessFrame(image(0, 1, 1, true)), test.ShouldEqual, AcceptAsKeyframe)
	test.That(t, fe.QueueLen(), test.ShouldEqual, 0)
}

func TestLoopQueueOverflow(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Frontend.LoopQueueSize = 2
	fe, _ := newTestFrontend(t, cfg, &fakeDetector{}, nil)
	for i := 1; i <= 4; i++ {
		test.That(t, fe.ProcessFrame(image(0, state.FrameID(i), float64(i), true)), test.ShouldEqual, AcceptAsKeyframe)
	}
	test.That(t, fe.QueueLen(), test.ShouldEqual, 2)
	queue, remote, edges := fe.Dropped()
	test.That(t, queue, test.ShouldEqual, int64(2))
	test.That(t, remote, test.ShouldEqual, int64(0))
	test.That(t, edges, test.ShouldEqual, int64(0))
}

func TestRemoteImageNeedsLocalImage(t *testing.T) {
	det := &fakeDetector{}
	fe, mock := newTestFrontend(t, config.DefaultConfig(), det, nil)
	graph := fe.Graph()

	remote := keyframe(1, 100)
	img := image(1, 100, 100, true)
	test.That(t, fe.OnRemoteImage(remote, &img), test.ShouldBeFalse)

	test.That(t, fe.ProcessFrame(image(0, 1, 1, true)), test.ShouldEqual, AcceptAsKeyframe)
	test.That(t, fe.OnRemoteImage(remote, &img), test.ShouldBeTrue)
	// A stale copy is dropped by the pose graph.
	test.That(t, fe.OnRemoteImage(remote, nil), test.ShouldBeTrue)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, graph.Size(1), test.ShouldEqual, 1)
		test.That(tb, graph.DroppedRemote(), test.ShouldEqual, int64(1))
	})
	test.That(t, graph.HeadID(1), test.ShouldEqual, state.FrameID(100))

	// Both the local frame and the remote image reach the detector, the remote one for the database.
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		mock.Add(fe.cfg.LoopPeriod())
		test.That(tb, det.calls(), test.ShouldEqual, 2)
	})
	det.mu.Lock()
	test.That(t, det.frames, test.ShouldResemble, []state.FrameID{1, 100})
	test.That(t, det.matchOnly, test.ShouldResemble, []bool{false, false})
	det.mu.Unlock()
}

func TestRemoteLoopEdge(t *testing.T) {
	bc := &fakeBroadcaster{}
	fe, _ := newTestFrontend(t, config.DefaultConfig(), nil, bc)
	graph := fe.Graph()
	a, b := keyframe(0, 1), keyframe(1, 100)
	test.That(t, graph.AddFrame(a), test.ShouldBeNil)
	test.That(t, graph.IngestRemote([]state.VINSFrame{b}), test.ShouldEqual, 1)

	low := pgo.NewLoopEdge(a, b, spatialmath.NewZeroPose(), 0.1)
	test.That(t, fe.OnRemoteLoopEdge(low), test.ShouldBeTrue)
	edge := pgo.NewLoopEdge(a, b, spatialmath.NewZeroPose(), 0.9)
	test.That(t, fe.OnRemoteLoopEdge(edge), test.ShouldBeTrue)

	select {
	case got := <-fe.LoopEdges():
		test.That(t, got.ID, test.ShouldEqual, edge.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("no loop edge published")
	}
	test.That(t, len(graph.LoopEdges()), test.ShouldEqual, 1)
	// Remote edges are not sent back out.
	test.That(t, bc.numEdges(), test.ShouldEqual, 0)
}
