// Package estimator is the sliding-window visual-inertial estimator of one drone. It turns IMU
// samples and keyframes into solved states, keeps the window bounded by marginalizing the oldest
// keyframe into a prior, and serves IMU-propagated odometry without waiting on the solver.
package estimator

import (
	"context"
	"math"
	"sync"

	"github.com/golang/geo/r3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/num/quat"

	"go.swarmvio.dev/vio/config"
	"go.swarmvio.dev/vio/imu"
	"go.swarmvio.dev/vio/landmark"
	"go.swarmvio.dev/vio/logging"
	"go.swarmvio.dev/vio/marginalization"
	"go.swarmvio.dev/vio/solver"
	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
)

const (
	// A preintegration is integrated again when the bias estimate of its start frame moved further
	// than this from its linearization point.
	repropagateAccBias  = 0.1
	repropagateGyroBias = 0.01
)

// ErrClosed is returned for input after Close.
var ErrClosed = errors.New("estimator closed")

// imuLink is the preintegration between a frame and its predecessor in the window.
type imuLink struct {
	from state.FrameID
	pre  *imu.Preintegration
}

// Estimator owns the window state of one drone.
type Estimator struct {
	cfg        config.Config
	extrinsics []spatialmath.Pose
	logger     logging.Logger
	session    uuid.UUID
	solverOpts solver.Options

	builder      *landmark.Builder
	marginalizer *marginalization.Marginalizer
	noise        imu.Noise

	// Read without mu by the odometry accessors.
	imuBuf     *imu.Buffer
	propagator *imu.Propagator
	lastOdom   atomic.Pointer[imu.Odometry]
	st         atomic.Pointer[state.State]

	initialized      atomic.Bool
	solves           atomic.Int64
	droppedKeyframes atomic.Int64
	droppedPending   atomic.Int64

	// mu serializes frame processing.
	mu          sync.Mutex
	closed      bool
	pending     []VisualImageDescArray
	links       map[state.FrameID]imuLink
	lastFrame   state.FrameID
	prior       *solver.PriorFactor
	lastSummary solver.Summary
	lastMarg    *marginalization.Result
	keyframes   chan state.VINSFrame
}

// New validates the config and returns an estimator for drone cfg.Estimator.SelfID. extrinsics
// maps camera index to the camera pose in the body frame.
func New(cfg *config.Config, extrinsics []spatialmath.Pose, logger logging.Logger) (*Estimator, error) {
	if _, err := cfg.Validate("config"); err != nil {
		return nil, err
	}
	e := &Estimator{
		cfg:          *cfg,
		extrinsics:   append([]spatialmath.Pose(nil), extrinsics...),
		logger:       logging.RegisterSublogger(logger, "estimator"),
		session:      uuid.New(),
		solverOpts:   solver.OptionsFromConfig(cfg.Solver),
		builder:      landmark.NewBuilder(cfg.Landmark, cfg.Estimator.FocalLength, logging.RegisterSublogger(logger, "landmark")),
		marginalizer: marginalization.New(cfg.Solver, logging.RegisterSublogger(logger, "marginalization")),
		noise:        imu.NoiseFromConfig(cfg.IMU),
		keyframes:    make(chan state.VINSFrame, cfg.Estimator.KeyframeBufferSize),
	}
	e.Init()
	e.logger.Infow("estimator started", "drone_id", cfg.Estimator.SelfID, "session", e.session.String(),
		"window_size", cfg.Estimator.WindowSize)
	return e, nil
}

// Init resets the estimator to an empty, uninitialized window. It must not run concurrently with
// InputImu.
func (e *Estimator) Init() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.st.Store(state.New(e.cfg.Estimator.SelfID, false, e.extrinsics, e.logger.Sublogger("state")))
	e.imuBuf = imu.NewBuffer()
	e.propagator = imu.NewPropagator(e.noise.Gravity)
	provisional := e.propagator.Odometry()
	e.lastOdom.Store(&provisional)
	e.initialized.Store(false)
	e.pending = nil
	e.links = map[state.FrameID]imuLink{}
	e.lastFrame = -1
	e.prior = nil
	e.lastSummary = solver.Summary{}
	e.lastMarg = nil
}

// Close stops accepting input and closes the keyframe channel.
func (e *Estimator) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	close(e.keyframes)
	return nil
}

// SessionID identifies this run of the estimator in logs.
func (e *Estimator) SessionID() uuid.UUID {
	return e.session
}

// GetState returns the frame and landmark store of the window.
func (e *Estimator) GetState() *state.State {
	return e.st.Load()
}

// Keyframes delivers every accepted keyframe with its state right after it was processed.
// Keyframes are dropped when the consumer falls behind.
func (e *Estimator) Keyframes() <-chan state.VINSFrame {
	return e.keyframes
}

// DroppedKeyframes is the number of keyframes not delivered because the channel was full.
func (e *Estimator) DroppedKeyframes() int64 {
	return e.droppedKeyframes.Load()
}

// Initialized returns whether the first pose has been established.
func (e *Estimator) Initialized() bool {
	return e.initialized.Load()
}

// InputImu buffers a sample and advances the IMU-only propagation. It never waits on a solve.
func (e *Estimator) InputImu(s imu.Sample) error {
	if err := e.imuBuf.Add(s); err != nil {
		return err
	}
	e.propagator.Propagate(s)
	return nil
}

// GetImuPropagation returns the odometry propagated with every IMU sample received so far. It
// is provisional until the first pose is initialized.
func (e *Estimator) GetImuPropagation() imu.Odometry {
	return e.propagator.Odometry()
}

// GetOdometry returns the state of the newest solved keyframe.
func (e *Estimator) GetOdometry() imu.Odometry {
	return *e.lastOdom.Load()
}

// GetMarginalizedLandmarks returns the positions of the landmarks eliminated with old keyframes.
func (e *Estimator) GetMarginalizedLandmarks() []r3.Vector {
	return e.GetState().MarginalizedLandmarks()
}

// HasPrior returns whether marginalization has produced a prior.
func (e *Estimator) HasPrior() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prior != nil
}

// Prior returns the current prior, or nil.
func (e *Estimator) Prior() *solver.PriorFactor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prior
}

// LastSummary returns the summary of the latest solve.
func (e *Estimator) LastSummary() solver.Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastSummary
}

// NumPending is the number of frames waiting for initialization or IMU coverage.
func (e *Estimator) NumPending() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// InputImage queues a keyframe of this drone and processes every queued frame whose IMU interval
// is covered. Frames stay queued and ErrUninitializedPose is returned until the first pose can be
// established. Duplicate frames are dropped and reported. A solve that runs out of budget still
// commits and is not reported as an error. Cancelling ctx leaves the frames that were not started
// queued; a frame whose processing began is always solved, committed and published.
func (e *Estimator) InputImage(ctx context.Context, frame VisualImageDescArray) error {
	st := e.GetState()
	if frame.DroneID != st.SelfID() {
		return errors.Errorf("estimator of drone %d got a frame of drone %d", st.SelfID(), frame.DroneID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.pending = append(e.pending, frame)
	if limit := e.cfg.Estimator.KeyframeBufferSize; len(e.pending) > limit {
		dropped := len(e.pending) - limit
		e.pending = e.pending[dropped:]
		e.droppedPending.Add(int64(dropped))
		e.logger.CWarnw(ctx, "dropping queued frames", "count", dropped, "total", e.droppedPending.Load())
	}

	var errs error
	for len(e.pending) > 0 {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		next := e.pending[0]
		if !e.initialized.Load() {
			kf, err := e.tryInitFirstPose(next)
			if err != nil {
				return multierr.Append(errs, err)
			}
			e.pending = e.pending[1:]
			e.publish(kf)
			continue
		}
		if next.FrameID <= e.lastFrame {
			e.pending = e.pending[1:]
			err := state.NewDuplicateFrameError(next.DroneID, next.FrameID, e.lastFrame)
			e.logger.CWarnw(ctx, "dropping frame", "error", err)
			errs = multierr.Append(errs, err)
			continue
		}
		if !e.imuBuf.Available(next.Stamp) {
			e.logger.CDebugw(ctx, "waiting for imu", "frame_id", next.FrameID, "stamp", next.Stamp)
			break
		}
		e.pending = e.pending[1:]
		kf, err := e.processFrame(context.WithoutCancel(ctx), next)
		if err != nil {
			e.logger.CErrorw(ctx, "failed to process frame", "frame_id", next.FrameID, "error", err)
			errs = multierr.Append(errs, err)
			continue
		}
		e.publish(kf)
	}
	return errs
}

func (e *Estimator) publish(kf state.VINSFrame) {
	select {
	case e.keyframes <- kf:
	default:
		e.droppedKeyframes.Inc()
	}
}

// tryInitFirstPose establishes the first keyframe from its ego pose, or gravity-aligned at the
// origin from the mean of the first buffered accelerometer samples.
func (e *Estimator) tryInitFirstPose(frame VisualImageDescArray) (state.VINSFrame, error) {
	var pose spatialmath.Pose
	if frame.HasEgoPose {
		pose = frame.EgoPose
	} else {
		acc, ok := e.imuBuf.MeanAcc(e.cfg.Estimator.MinIMUForInit)
		if !ok {
			return state.VINSFrame{}, errors.Wrapf(state.ErrUninitializedPose,
				"%d imu samples needed for gravity alignment, have %d", e.cfg.Estimator.MinIMUForInit, e.imuBuf.Size())
		}
		pose = spatialmath.NewPose(r3.Vector{}, spatialmath.GravityAlignedQuat(acc))
	}
	samples, start, hasStart := e.imuBuf.Consume(math.Inf(-1), frame.Stamp)
	last, hasLast := lastSample(samples, start, hasStart)

	vf := e.initFrame(frame, pose, r3.Vector{}, state.IMUBias{})
	st := e.GetState()
	if _, err := st.AddFrame(vf); err != nil {
		return state.VINSFrame{}, err
	}
	if err := e.addObservations(vf, frame); err != nil {
		return state.VINSFrame{}, err
	}
	e.lastFrame = vf.FrameID
	e.initialized.Store(true)
	e.resetOdometry(vf, last, hasLast)
	e.logger.Infow("first pose initialized", "frame_id", vf.FrameID, "stamp", vf.Stamp,
		"pose", vf.Pose.String(), "from_ego_pose", frame.HasEgoPose)
	return vf, nil
}

// initFrame builds a keyframe at the given initial guess.
func (e *Estimator) initFrame(frame VisualImageDescArray, pose spatialmath.Pose, vel r3.Vector, bias state.IMUBias) state.VINSFrame {
	ego := pose
	if frame.HasEgoPose {
		ego = frame.EgoPose
	}
	return state.VINSFrame{
		FrameID:        frame.FrameID,
		DroneID:        frame.DroneID,
		Stamp:          frame.Stamp,
		Pose:           pose,
		Velocity:       vel,
		Bias:           bias,
		InitialEgoPose: ego,
		WindowState:    state.WindowActive,
	}
}

// processFrame adds a keyframe after the first, solves the window and marginalizes.
func (e *Estimator) processFrame(ctx context.Context, frame VisualImageDescArray) (state.VINSFrame, error) {
	st := e.GetState()
	prev, err := st.GetFrame(e.lastFrame)
	if err != nil {
		return state.VINSFrame{}, err
	}
	samples, start, hasStart := e.imuBuf.Consume(prev.Stamp, frame.Stamp)
	pre := e.integrate(prev, samples, start, hasStart)

	pose, vel := prev.Pose, prev.Velocity
	switch {
	case pre != nil:
		pose, vel = predict(prev, pre, e.noise.Gravity)
	case frame.HasEgoPose:
		// No IMU: apply the ego motion since the previous frame to its solved pose.
		pose = spatialmath.Compose(prev.Pose, spatialmath.PoseBetween(prev.InitialEgoPose, frame.EgoPose))
	}
	vf := e.initFrame(frame, pose, vel, prev.Bias)
	if _, err := st.AddFrame(vf); err != nil {
		return state.VINSFrame{}, err
	}
	if pre != nil {
		e.links[vf.FrameID] = imuLink{from: prev.FrameID, pre: pre}
	} else {
		e.logger.Debugw("no imu between frames", "from", prev.FrameID, "to", vf.FrameID)
	}
	if err := e.addObservations(vf, frame); err != nil {
		return state.VINSFrame{}, err
	}
	e.lastFrame = vf.FrameID

	if err := e.solve(ctx); err != nil {
		return state.VINSFrame{}, err
	}
	solved, err := st.GetFrame(vf.FrameID)
	if err != nil {
		return state.VINSFrame{}, err
	}
	last, hasLast := lastSample(samples, start, hasStart)
	e.resetOdometry(solved, last, hasLast)
	return solved, nil
}

// integrate preintegrates the samples of (from.Stamp, stamp]. start is the reading at or before
// from.Stamp. It returns nil when there is nothing to integrate.
func (e *Estimator) integrate(from state.VINSFrame, samples []imu.Sample, start imu.Sample, hasStart bool) *imu.Preintegration {
	t := from.Stamp
	if !hasStart {
		if len(samples) == 0 {
			return nil
		}
		start, samples = samples[0], samples[1:]
		t = start.Stamp
	}
	pre := imu.NewPreintegration(start.Acc, start.Gyro, from.Bias.Acc, from.Bias.Gyro, e.noise)
	for _, s := range samples {
		pre.Push(s.Stamp-t, s.Acc, s.Gyro)
		t = s.Stamp
	}
	if pre.NumReadings() == 0 {
		return nil
	}
	return pre
}

// predict propagates a frame state through a preintegration.
func predict(from state.VINSFrame, pre *imu.Preintegration, gravity r3.Vector) (spatialmath.Pose, r3.Vector) {
	dp, dv, dq := pre.Corrected(from.Bias.Acc, from.Bias.Gyro)
	dt := pre.SumDt()
	q := from.Pose.Orientation
	pos := from.Pose.Position.
		Add(from.Velocity.Mul(dt)).
		Add(gravity.Mul(0.5 * dt * dt)).
		Add(spatialmath.QuatRotate(q, dp))
	vel := from.Velocity.Add(gravity.Mul(dt)).Add(spatialmath.QuatRotate(q, dv))
	return spatialmath.NewPose(pos, spatialmath.QuatNormalize(quat.Mul(q, dq))), vel
}

// addObservations records the keypoints of a frame, resolving ambiguous ones against the
// landmarks they may belong to.
func (e *Estimator) addObservations(vf state.VINSFrame, frame VisualImageDescArray) error {
	st := e.GetState()
	for _, img := range frame.Images {
		camera := landmark.CameraPose(&vf, st.Extrinsic(img.CameraID))
		for _, kp := range img.Keypoints {
			id := e.resolve(camera, kp)
			if id < 0 {
				continue
			}
			obs := state.Observation{CameraID: img.CameraID, Point: kp.Point, Depth: kp.Depth}
			if err := st.AddLandmarkObservation(id, vf.FrameID, obs); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Estimator) resolve(camera spatialmath.Pose, kp Keypoint) state.LandmarkID {
	if len(kp.Candidates) == 0 {
		return kp.LandmarkID
	}
	st := e.GetState()
	cands := make([]*state.LandmarkPerID, 0, len(kp.Candidates))
	for _, id := range kp.Candidates {
		lm, err := st.GetLandmark(id)
		if err != nil {
			continue
		}
		cands = append(cands, &lm)
	}
	if id, ok := e.builder.Associate(camera, kp.Point, cands); ok {
		return id
	}
	e.logger.Debugw("ambiguous keypoint left to its own track", "landmark_id", kp.LandmarkID, "candidates", len(kp.Candidates))
	return kp.LandmarkID
}

// resetOdometry records a solved keyframe as the latest odometry and restarts IMU propagation
// from it.
func (e *Estimator) resetOdometry(vf state.VINSFrame, last imu.Sample, hasLast bool) {
	odom := imu.Odometry{Stamp: vf.Stamp, Pose: vf.Pose, Velocity: vf.Velocity}
	e.lastOdom.Store(&odom)
	if !hasLast {
		return
	}
	e.propagator.Reset(odom, vf.Bias.Acc, vf.Bias.Gyro, last, func(after float64) []imu.Sample {
		return e.imuBuf.Between(after, math.Inf(1))
	})
}

// lastSample is the newest reading at or before the end of a consumed interval.
func lastSample(samples []imu.Sample, start imu.Sample, hasStart bool) (imu.Sample, bool) {
	if len(samples) > 0 {
		return samples[len(samples)-1], true
	}
	return start, hasStart
}
