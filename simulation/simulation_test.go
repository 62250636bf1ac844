package simulation

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"go.swarmvio.dev/vio/config"
	"go.swarmvio.dev/vio/estimator"
	"go.swarmvio.dev/vio/logging"
	"go.swarmvio.dev/vio/pgo"
	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
)

func TestForwardCamera(t *testing.T) {
	cam := ForwardCamera()
	z := spatialmath.QuatRotate(cam.Orientation, r3.Vector{Z: 1})
	x := spatialmath.QuatRotate(cam.Orientation, r3.Vector{X: 1})
	y := spatialmath.QuatRotate(cam.Orientation, r3.Vector{Y: 1})
	test.That(t, z.Sub(r3.Vector{X: 1}).Norm(), test.ShouldBeLessThan, 1e-12)
	test.That(t, x.Sub(r3.Vector{Y: -1}).Norm(), test.ShouldBeLessThan, 1e-12)
	test.That(t, y.Sub(r3.Vector{Z: -1}).Norm(), test.ShouldBeLessThan, 1e-12)
}

func TestMotion(t *testing.T) {
	m := Motion{Start: r3.Vector{X: 1}, InitialVelocity: r3.Vector{Y: 1}, Acceleration: r3.Vector{Z: 2}, Yaw0: 0.1, YawRate: 0.5}
	p := m.PoseAt(2)
	test.That(t, p.Position, test.ShouldResemble, r3.Vector{X: 1, Y: 2, Z: 4})
	test.That(t, p.Yaw(), test.ShouldAlmostEqual, 1.1, 1e-12)
	test.That(t, m.VelocityAt(2), test.ShouldResemble, r3.Vector{Y: 1, Z: 4})
}

func TestIMUSamples(t *testing.T) {
	samples := IMUSamples(Motion{}, 0, 1, 200, 9.81, IMUNoise{}, 1)
	test.That(t, len(samples), test.ShouldEqual, 201)
	test.That(t, samples[0].Stamp, test.ShouldEqual, 0.)
	test.That(t, samples[200].Stamp, test.ShouldEqual, 1.)
	test.That(t, samples[100].Acc, test.ShouldResemble, r3.Vector{Z: 9.81})
	test.That(t, samples[100].Gyro, test.ShouldResemble, r3.Vector{})

	// Facing +y, a world +x acceleration is felt along body -y.
	turned := Motion{Yaw0: math.Pi / 2, Acceleration: r3.Vector{X: 1}, YawRate: 0}
	samples = IMUSamples(turned, 0.5, 1, 200, 9.81, IMUNoise{}, 1)
	test.That(t, samples[0].Stamp, test.ShouldEqual, 0.5)
	test.That(t, len(samples), test.ShouldEqual, 101)
	test.That(t, samples[0].Acc.Sub(r3.Vector{Y: -1, Z: 9.81}).Norm(), test.ShouldBeLessThan, 1e-12)

	noisy := IMUSamples(Motion{}, 0, 1, 200, 9.81, IMUNoise{AccStd: 0.1, GyroStd: 0.01}, 7)
	again := IMUSamples(Motion{}, 0, 1, 200, 9.81, IMUNoise{AccStd: 0.1, GyroStd: 0.01}, 7)
	test.That(t, noisy, test.ShouldResemble, again)
	test.That(t, noisy[10].Acc, test.ShouldNotResemble, r3.Vector{Z: 9.81})
}

func TestSceneObserve(t *testing.T) {
	scene := &Scene{
		Landmarks: []Landmark{
			{ID: 1, Position: r3.Vector{X: 5}},
			{ID: 2, Position: r3.Vector{X: 5, Y: -1, Z: 1}},
			{ID: 3, Position: r3.Vector{X: -5}},
			{ID: 4, Position: r3.Vector{X: 1, Y: 3}},
		},
		FocalLength: 460,
		HalfFOV:     1,
		WithDepth:   true,
		MinDepth:    0.1,
		MaxDepth:    50,
	}
	frame := scene.Observe(0, 7, 1.5, spatialmath.NewZeroPose(), []spatialmath.Pose{ForwardCamera()}, 1)
	test.That(t, frame.FrameID, test.ShouldEqual, state.FrameID(7))
	test.That(t, frame.IsKeyframe, test.ShouldBeTrue)
	test.That(t, len(frame.Images), test.ShouldEqual, 1)
	kps := frame.Images[0].Keypoints
	test.That(t, len(kps), test.ShouldEqual, 2)
	test.That(t, kps[0].LandmarkID, test.ShouldEqual, state.LandmarkID(1))
	test.That(t, kps[0].Depth, test.ShouldAlmostEqual, 5, 1e-12)
	test.That(t, kps[0].Point.Norm(), test.ShouldBeLessThan, 1e-12)
	test.That(t, kps[1].Point.X, test.ShouldAlmostEqual, 0.2, 1e-12)
	test.That(t, kps[1].Point.Y, test.ShouldAlmostEqual, -0.2, 1e-12)
	test.That(t, frame.NumKeypoints(), test.ShouldEqual, 2)

	wall := WallScene(9, 1, -6, 8, -3, 3, 8, 4)
	test.That(t, len(wall.Landmarks), test.ShouldEqual, 32)
	test.That(t, wall.Landmarks[4].Position.X, test.ShouldEqual, 10.)
}

func TestOracleDetector(t *testing.T) {
	truth := map[state.FrameID]spatialmath.Pose{
		1:   spatialmath.NewPoseFromYaw(r3.Vector{}, 0),
		2:   spatialmath.NewPoseFromYaw(r3.Vector{X: 0.1}, 0),
		3:   spatialmath.NewPoseFromYaw(r3.Vector{X: 0.2}, 0),
		100: spatialmath.NewPoseFromYaw(r3.Vector{X: 0.3, Y: 0.1}, 0.1),
		101: spatialmath.NewPoseFromYaw(r3.Vector{X: 0.05}, 2),
	}
	det := NewOracleDetector(func(id state.FrameID) (spatialmath.Pose, bool) {
		p, ok := truth[id]
		return p, ok
	}, 0.5, 0.5, 2)
	ctx := context.Background()
	frame := func(drone int, id state.FrameID) estimator.VisualImageDescArray {
		return estimator.VisualImageDescArray{FrameID: id, DroneID: drone, Stamp: float64(id)}
	}

	edges, err := det.ProcessImageArray(ctx, frame(0, 1), false)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, edges, test.ShouldBeEmpty)
	// Too recent a frame of the same drone.
	edges, _ = det.ProcessImageArray(ctx, frame(0, 2), false)
	test.That(t, edges, test.ShouldBeEmpty)
	edges, _ = det.ProcessImageArray(ctx, frame(0, 3), false)
	test.That(t, len(edges), test.ShouldEqual, 1)
	test.That(t, edges[0].FrameA, test.ShouldEqual, state.FrameID(1))
	test.That(t, edges[0].FrameB, test.ShouldEqual, state.FrameID(3))
	test.That(t, edges[0].RelativePose.Position.X, test.ShouldAlmostEqual, 0.2, 1e-12)

	// Another drone matches the nearest frame and, when match only, is not stored.
	edges, _ = det.ProcessImageArray(ctx, frame(1, 100), true)
	test.That(t, len(edges), test.ShouldEqual, 1)
	test.That(t, edges[0].FrameA, test.ShouldEqual, state.FrameID(3))
	test.That(t, edges[0].DroneB, test.ShouldEqual, 1)
	test.That(t, det.Size(), test.ShouldEqual, 3)

	// Close but facing away.
	edges, _ = det.ProcessImageArray(ctx, frame(1, 101), false)
	test.That(t, edges, test.ShouldBeEmpty)
	edges, _ = det.ProcessImageArray(ctx, frame(1, 555), false)
	test.That(t, edges, test.ShouldBeEmpty)
}

type recordingPeer struct {
	mu     sync.Mutex
	frames []state.FrameID
	edges  int
	accept bool
}

func (p *recordingPeer) OnRemoteImage(kf state.VINSFrame, image *estimator.VisualImageDescArray) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, kf.FrameID)
	return p.accept
}

func (p *recordingPeer) OnRemoteLoopEdge(edge pgo.LoopEdge) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.edges++
	return p.accept
}

func TestBus(t *testing.T) {
	bus := NewBus()
	a, b, c := &recordingPeer{accept: true}, &recordingPeer{accept: true}, &recordingPeer{}
	test.That(t, bus.Register(0, a), test.ShouldBeNil)
	test.That(t, bus.Register(1, b), test.ShouldBeNil)
	test.That(t, bus.Register(2, c), test.ShouldBeNil)
	test.That(t, bus.Register(2, c), test.ShouldNotBeNil)

	ctx := context.Background()
	kf := state.VINSFrame{FrameID: 5, DroneID: 0}
	test.That(t, bus.Endpoint(0).BroadcastKeyframe(ctx, kf, estimator.VisualImageDescArray{FrameID: 5}), test.ShouldBeNil)
	test.That(t, bus.Endpoint(1).BroadcastLoopEdge(ctx, pgo.LoopEdge{}), test.ShouldBeNil)

	test.That(t, a.frames, test.ShouldBeEmpty)
	test.That(t, b.frames, test.ShouldResemble, []state.FrameID{5})
	test.That(t, c.frames, test.ShouldResemble, []state.FrameID{5})
	test.That(t, a.edges, test.ShouldEqual, 1)
	test.That(t, b.edges, test.ShouldEqual, 0)
	delivered, dropped := bus.Stats()
	test.That(t, delivered, test.ShouldEqual, int64(2))
	test.That(t, dropped, test.ShouldEqual, int64(2))

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	test.That(t, bus.Endpoint(0).BroadcastKeyframe(cancelled, kf, estimator.VisualImageDescArray{}), test.ShouldNotBeNil)
}

func TestRun(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Solver.MaxSolveTimeSec = 10
	cfg.PGO.MaxSolveTimeSec = 10
	sc := DefaultScenario(2)
	sc.Duration = 3

	res, err := Run(context.Background(), cfg, sc, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(res.Drones), test.ShouldEqual, 2)
	for i, d := range res.Drones {
		test.That(t, d.DroneID, test.ShouldEqual, i)
		test.That(t, d.Keyframes, test.ShouldEqual, 7)
		test.That(t, d.OdometryRMSE, test.ShouldBeLessThan, 0.1)
		test.That(t, d.GraphRMSE, test.ShouldBeLessThan, 0.1)
		test.That(t, d.OptimizedRMSE, test.ShouldBeLessThan, 0.1)
		test.That(t, d.PathLength, test.ShouldBeGreaterThan, 0)
		test.That(t, d.Report.ActiveFrames, test.ShouldEqual, 7)
	}
	test.That(t, res.Delivered+res.Dropped, test.ShouldBeGreaterThan, 0)

	_, err = Run(context.Background(), cfg, Scenario{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}
