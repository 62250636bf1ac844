package estimator_test

import (
	"context"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"

	"go.swarmvio.dev/vio/config"
	"go.swarmvio.dev/vio/estimator"
	"go.swarmvio.dev/vio/imu"
	"go.swarmvio.dev/vio/logging"
	"go.swarmvio.dev/vio/simulation"
	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
	"go.swarmvio.dev/vio/utils"
)

const imuRate = 200

type harness struct {
	t       *testing.T
	est     *estimator.Estimator
	motion  simulation.Motion
	scene   *simulation.Scene
	samples []imu.Sample
	next    int
}

func fiveLandmarks() *simulation.Scene {
	pts := []r3.Vector{
		{X: 8, Y: -1, Z: 0.5},
		{X: 9, Y: 1, Z: -0.5},
		{X: 10, Y: 0, Z: 1},
		{X: 8.5, Y: 2, Z: -1},
		{X: 9.5, Y: -2, Z: 0},
	}
	s := &simulation.Scene{FocalLength: 460, HalfFOV: 1, MinDepth: 0.1, MaxDepth: 50}
	for i, p := range pts {
		s.Landmarks = append(s.Landmarks, simulation.Landmark{ID: state.LandmarkID(i), Position: p})
	}
	return s
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Solver.MaxSolveTimeSec = 10
	cfg.Solver.MaxIterations = 50
	return cfg
}

func newHarness(t *testing.T, cfg *config.Config, motion simulation.Motion, scene *simulation.Scene) *harness {
	t.Helper()
	est, err := estimator.New(cfg, []spatialmath.Pose{simulation.ForwardCamera()}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() {
		test.That(t, est.Close(), test.ShouldBeNil)
	})
	return &harness{
		t:       t,
		est:     est,
		motion:  motion,
		scene:   scene,
		samples: simulation.IMUSamples(motion, 0, 10, imuRate, cfg.IMU.Gravity, simulation.IMUNoise{}, 1),
	}
}

// imuUntil feeds every sample with a stamp up to t.
func (h *harness) imuUntil(t float64) {
	for ; h.next < len(h.samples) && h.samples[h.next].Stamp <= t+1e-9; h.next++ {
		test.That(h.t, h.est.InputImu(h.samples[h.next]), test.ShouldBeNil)
	}
}

func (h *harness) frame(k int, t float64, ego bool) estimator.VisualImageDescArray {
	pose := h.motion.PoseAt(t)
	f := h.scene.Observe(0, state.FrameID(k), t, pose, []spatialmath.Pose{simulation.ForwardCamera()}, 1)
	if ego {
		f.EgoPose, f.HasEgoPose = pose, true
	}
	return f
}

func (h *harness) input(k int, t float64, ego bool) error {
	h.imuUntil(t)
	return h.est.InputImage(context.Background(), h.frame(k, t, ego))
}

func (h *harness) checkPose(id state.FrameID, t float64, posTol, angTol float64) {
	h.t.Helper()
	f, err := h.est.GetState().GetFrame(id)
	test.That(h.t, err, test.ShouldBeNil)
	dp, da := spatialmath.PoseDelta(f.Pose, h.motion.PoseAt(t))
	test.That(h.t, dp, test.ShouldBeLessThan, posTol)
	test.That(h.t, da, test.ShouldBeLessThan, angTol)
}

var accelerating = simulation.Motion{Acceleration: r3.Vector{X: 0.1, Y: 0.6, Z: 0.05}}

func TestThreeKeyframesFiveLandmarks(t *testing.T) {
	h := newHarness(t, testConfig(), accelerating, fiveLandmarks())
	for k := 0; k < 3; k++ {
		test.That(t, h.input(k, float64(k), k == 0), test.ShouldBeNil)
	}
	test.That(t, h.est.Initialized(), test.ShouldBeTrue)
	for k := 0; k < 3; k++ {
		h.checkPose(state.FrameID(k), float64(k), 0.01, utils.DegToRad(1))
	}

	st := h.est.GetState()
	test.That(t, st.NumLandmarks(), test.ShouldEqual, 5)
	for _, lm := range h.scene.Landmarks {
		got, err := st.GetLandmark(lm.ID)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, got.Flag, test.ShouldEqual, state.LandmarkEstimated)
		test.That(t, got.Position.Sub(lm.Position).Norm(), test.ShouldBeLessThan, 0.1)
	}
	test.That(t, len(h.est.Report().InitializedLandmarks), test.ShouldEqual, 5)

	odom := h.est.GetOdometry()
	test.That(t, odom.Stamp, test.ShouldEqual, 2.)
	test.That(t, odom.Velocity.Sub(accelerating.VelocityAt(2)).Norm(), test.ShouldBeLessThan, 0.05)
	test.That(t, h.est.HasPrior(), test.ShouldBeFalse)

	// Propagation runs ahead of the last keyframe on IMU alone.
	h.imuUntil(2.5)
	prop := h.est.GetImuPropagation()
	test.That(t, prop.Provisional, test.ShouldBeFalse)
	test.That(t, prop.Stamp, test.ShouldEqual, 2.5)
	test.That(t, prop.Pose.Position.Sub(accelerating.PoseAt(2.5).Position).Norm(), test.ShouldBeLessThan, 0.02)

	var published []state.FrameID
	for len(h.est.Keyframes()) > 0 {
		published = append(published, (<-h.est.Keyframes()).FrameID)
	}
	test.That(t, published, test.ShouldResemble, []state.FrameID{0, 1, 2})
}

func TestWindowOfTwoMarginalizes(t *testing.T) {
	cfg := testConfig()
	cfg.Estimator.WindowSize = 2
	h := newHarness(t, cfg, accelerating, fiveLandmarks())
	test.That(t, h.input(0, 0, true), test.ShouldBeNil)
	test.That(t, h.input(1, 1, false), test.ShouldBeNil)
	test.That(t, h.est.HasPrior(), test.ShouldBeFalse)
	test.That(t, h.input(2, 2, false), test.ShouldBeNil)

	st := h.est.GetState()
	f0, err := st.GetFrame(0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f0.WindowState, test.ShouldEqual, state.WindowMarginalized)
	test.That(t, st.ActiveFrameIDs(0), test.ShouldResemble, []state.FrameID{1, 2})
	test.That(t, h.est.HasPrior(), test.ShouldBeTrue)
	test.That(t, h.est.Report().PriorRank, test.ShouldBeGreaterThan, 0)

	test.That(t, h.input(3, 3, false), test.ShouldBeNil)
	f1, err := st.GetFrame(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f1.WindowState, test.ShouldEqual, state.WindowMarginalized)
	test.That(t, h.est.HasPrior(), test.ShouldBeTrue)
	test.That(t, st.ActiveFrameIDs(0), test.ShouldResemble, []state.FrameID{2, 3})
	h.checkPose(2, 2, 0.05, utils.DegToRad(2))
	h.checkPose(3, 3, 0.05, utils.DegToRad(2))
}

func TestUninitializedBuffersFrames(t *testing.T) {
	cfg := testConfig()
	scene := fiveLandmarks()
	scene.WithDepth = true
	hover := simulation.Motion{}
	h := newHarness(t, cfg, hover, scene)

	err := h.est.InputImage(context.Background(), h.frame(0, 0, false))
	test.That(t, errors.Is(err, state.ErrUninitializedPose), test.ShouldBeTrue)
	test.That(t, h.est.NumPending(), test.ShouldEqual, 1)
	test.That(t, h.est.Initialized(), test.ShouldBeFalse)
	test.That(t, h.est.GetOdometry().Provisional, test.ShouldBeTrue)

	// Enough samples for gravity alignment: both frames are processed in order.
	test.That(t, h.input(1, 1, false), test.ShouldBeNil)
	test.That(t, h.est.NumPending(), test.ShouldEqual, 0)
	test.That(t, h.est.Initialized(), test.ShouldBeTrue)
	h.checkPose(0, 0, 1e-6, 1e-6)
	h.checkPose(1, 1, 0.01, utils.DegToRad(1))
	test.That(t, h.est.GetState().FrameIDs(0), test.ShouldResemble, []state.FrameID{0, 1})

	// A frame without IMU coverage waits for the next input.
	test.That(t, h.est.InputImage(context.Background(), h.frame(2, 2, false)), test.ShouldBeNil)
	test.That(t, h.est.NumPending(), test.ShouldEqual, 1)
	test.That(t, h.input(3, 3, false), test.ShouldBeNil)
	test.That(t, h.est.NumPending(), test.ShouldEqual, 0)
	test.That(t, h.est.GetState().FrameIDs(0), test.ShouldResemble, []state.FrameID{0, 1, 2, 3})
}

func TestInputImageRejects(t *testing.T) {
	h := newHarness(t, testConfig(), accelerating, fiveLandmarks())
	test.That(t, h.input(0, 0, true), test.ShouldBeNil)
	test.That(t, h.input(1, 1, false), test.ShouldBeNil)
	before, err := h.est.GetState().GetFrame(1)
	test.That(t, err, test.ShouldBeNil)

	err = h.est.InputImage(context.Background(), h.frame(1, 1, false))
	test.That(t, errors.Is(err, state.ErrDuplicateFrame), test.ShouldBeTrue)
	after, err := h.est.GetState().GetFrame(1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, after, test.ShouldResemble, before)
	test.That(t, h.est.NumPending(), test.ShouldEqual, 0)

	other := h.frame(2, 2, false)
	other.DroneID = 3
	test.That(t, h.est.InputImage(context.Background(), other), test.ShouldNotBeNil)

	test.That(t, errors.Is(h.est.InputImu(imu.Sample{Stamp: 0.5}), imu.ErrOutOfOrder), test.ShouldBeTrue)
}

func TestCancelledInputKeepsFramesQueued(t *testing.T) {
	h := newHarness(t, testConfig(), accelerating, fiveLandmarks())
	test.That(t, h.input(0, 0, true), test.ShouldBeNil)

	h.imuUntil(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := h.est.InputImage(ctx, h.frame(1, 1, false))
	test.That(t, errors.Is(err, context.Canceled), test.ShouldBeTrue)
	test.That(t, h.est.NumPending(), test.ShouldEqual, 1)
	test.That(t, h.est.GetState().FrameIDs(0), test.ShouldResemble, []state.FrameID{0})

	test.That(t, h.input(2, 2, false), test.ShouldBeNil)
	test.That(t, h.est.NumPending(), test.ShouldEqual, 0)
	test.That(t, h.est.GetState().FrameIDs(0), test.ShouldResemble, []state.FrameID{0, 1, 2})
	h.checkPose(1, 1, 0.01, utils.DegToRad(1))

	var published []state.FrameID
	for len(h.est.Keyframes()) > 0 {
		published = append(published, (<-h.est.Keyframes()).FrameID)
	}
	test.That(t, published, test.ShouldResemble, []state.FrameID{0, 1, 2})
}

func TestInitResets(t *testing.T) {
	h := newHarness(t, testConfig(), accelerating, fiveLandmarks())
	test.That(t, h.input(0, 0, true), test.ShouldBeNil)
	test.That(t, h.est.Initialized(), test.ShouldBeTrue)
	h.est.Init()
	test.That(t, h.est.Initialized(), test.ShouldBeFalse)
	test.That(t, h.est.GetState().NumLandmarks(), test.ShouldEqual, 0)
	test.That(t, h.est.GetState().FrameIDs(0), test.ShouldBeEmpty)
}

func TestCloseStopsInput(t *testing.T) {
	est, err := estimator.New(testConfig(), nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, est.Close(), test.ShouldBeNil)
	test.That(t, est.Close(), test.ShouldBeNil)
	err = est.InputImage(context.Background(), estimator.VisualImageDescArray{})
	test.That(t, errors.Is(err, estimator.ErrClosed), test.ShouldBeTrue)
	_, ok := <-est.Keyframes()
	test.That(t, ok, test.ShouldBeFalse)

	bad := testConfig()
	bad.Estimator.WindowSize = 1
	_, err = estimator.New(bad, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}
