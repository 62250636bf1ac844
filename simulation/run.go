package simulation

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"
	"golang.org/x/sync/errgroup"

	"go.swarmvio.dev/vio/config"
	"go.swarmvio.dev/vio/estimator"
	"go.swarmvio.dev/vio/frontend"
	"go.swarmvio.dev/vio/logging"
	"go.swarmvio.dev/vio/pgo"
	"go.swarmvio.dev/vio/solver"
	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
)

// frameIDStride separates the frame ids of different drones.
const frameIDStride = 1_000_000

// FrameID is the id of keyframe k of a drone.
func FrameID(drone, k int) state.FrameID {
	return state.FrameID(drone*frameIDStride + k)
}

// DroneSpec is one simulated drone.
type DroneSpec struct {
	ID     int    `json:"id"`
	Motion Motion `json:"motion"`
}

// Scenario describes a simulated flight of the swarm.
type Scenario struct {
	Drones           []DroneSpec
	Scene            *Scene
	Duration         float64
	KeyframeInterval float64
	IMURate          float64
	IMUNoise         IMUNoise
	Extrinsics       []spatialmath.Pose
	// LoopRadius and LoopMaxYaw bound the oracle loop detector, 0 disables it.
	LoopRadius float64
	LoopMaxYaw float64
	LoopMinGap int
	Seed       uint64
}

// DefaultScenario returns numDrones drones flying side by side past a landmark wall.
func DefaultScenario(numDrones int) Scenario {
	sc := Scenario{
		Scene:            WallScene(9, 1, -6, 8, -3, 3, 8, 4),
		Duration:         8,
		KeyframeInterval: 0.5,
		IMURate:          200,
		Extrinsics:       []spatialmath.Pose{ForwardCamera()},
		LoopRadius:       0.6,
		LoopMaxYaw:       0.5,
		LoopMinGap:       4,
		Seed:             1,
	}
	for i := 0; i < numDrones; i++ {
		sc.Drones = append(sc.Drones, DroneSpec{
			ID: i,
			Motion: Motion{
				Start:        r3.Vector{Y: 0.4 * float64(i)},
				Acceleration: r3.Vector{X: 0.02, Y: 0.06, Z: 0.01},
				YawRate:      0.01,
			},
		})
	}
	return sc
}

// Truth returns the true pose of every keyframe of the scenario.
func (sc Scenario) Truth() map[state.FrameID]spatialmath.Pose {
	out := map[state.FrameID]spatialmath.Pose{}
	for _, d := range sc.Drones {
		for k, t := range sc.stamps() {
			out[FrameID(d.ID, k)] = d.Motion.PoseAt(t)
		}
	}
	return out
}

func (sc Scenario) stamps() []float64 {
	var out []float64
	if sc.KeyframeInterval <= 0 {
		return out
	}
	for k := 0; ; k++ {
		t := float64(k) * sc.KeyframeInterval
		if t > sc.Duration+1e-9 {
			return out
		}
		out = append(out, t)
	}
}

// DroneResult is the outcome of one drone.
type DroneResult struct {
	DroneID   int
	Keyframes int
	// OdometryRMSE and MaxOdometryError compare the odometry after each keyframe with the truth.
	OdometryRMSE     float64
	MaxOdometryError float64
	// GraphRMSE and OptimizedRMSE compare the pose graph frames of this drone with the truth
	// before and after the final pose graph optimization.
	GraphRMSE     float64
	OptimizedRMSE float64
	LoopEdges     int
	RemoteFrames  int
	PathLength    float64
	LastSolve     solver.Summary
	PGO           solver.Summary
	Report        estimator.PostSolveReport
}

// Results is the outcome of a run.
type Results struct {
	Drones    []DroneResult
	Delivered int64
	Dropped   int64
	Elapsed   time.Duration
}

type droneRun struct {
	drone DroneSpec
	est   *estimator.Estimator
	graph *pgo.State
	fe    *frontend.Frontend
	clk   *clock.Mock
}

// Run flies every drone of the scenario concurrently through its own estimator, pose graph and
// frontend, connected by an in-memory bus.
func Run(ctx context.Context, cfg *config.Config, sc Scenario, logger logging.Logger) (*Results, error) {
	if len(sc.Drones) == 0 || sc.Scene == nil || sc.IMURate <= 0 || sc.KeyframeInterval <= 0 {
		return nil, errors.New("scenario needs drones, a scene, an imu rate and a keyframe interval")
	}
	start := time.Now()
	truth := sc.Truth()
	truthFn := func(id state.FrameID) (spatialmath.Pose, bool) {
		p, ok := truth[id]
		return p, ok
	}
	bus := NewBus()
	runs := make([]*droneRun, 0, len(sc.Drones))
	defer func() {
		for _, r := range runs {
			goutils.UncheckedError(r.fe.Close())
			goutils.UncheckedError(r.est.Close())
		}
	}()
	for _, d := range sc.Drones {
		droneCfg := *cfg
		droneCfg.Estimator.SelfID = d.ID
		droneLogger := logger.Sublogger(droneName(d.ID))
		est, err := estimator.New(&droneCfg, sc.Extrinsics, droneLogger)
		if err != nil {
			return nil, err
		}
		graph := pgo.NewState(d.ID, cfg.PGO.Is4DoF, droneLogger)
		var det frontend.LoopDetector
		if sc.LoopRadius > 0 {
			det = NewOracleDetector(truthFn, sc.LoopRadius, sc.LoopMaxYaw, state.FrameID(sc.LoopMinGap))
		}
		mock := clock.NewMock()
		fe := frontend.New(&droneCfg, graph, det, bus.Endpoint(d.ID), mock, droneLogger)
		run := &droneRun{drone: d, est: est, graph: graph, fe: fe, clk: mock}
		runs = append(runs, run)
		if err := bus.Register(d.ID, fe); err != nil {
			return nil, err
		}
	}

	results := make([]DroneResult, len(runs))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range runs {
		g.Go(func() error {
			res, err := flyDrone(gctx, cfg, sc, r, truth)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	// Remote frames and edges are settled once every drone is done.
	var errs error
	for i, r := range runs {
		drainLoopQueue(ctx, r, cfg.Frontend.LoopPeriod())
		res := &results[i]
		res.GraphRMSE = graphRMSE(r.graph, r.drone.ID, truth)
		summary, err := r.graph.Optimize(ctx, cfg.PGO)
		if err != nil {
			errs = multierr.Append(errs, errors.Wrapf(err, "drone %d pose graph", r.drone.ID))
		}
		res.PGO = summary
		res.OptimizedRMSE = graphRMSE(r.graph, r.drone.ID, truth)
		res.LoopEdges = len(r.graph.LoopEdges())
		for _, other := range r.graph.DroneIDs() {
			if other != r.drone.ID {
				res.RemoteFrames += r.graph.Size(other)
			}
		}
		res.PathLength = r.graph.GetTraj(r.drone.ID).Length()
	}
	sort.Slice(results, func(i, j int) bool { return results[i].DroneID < results[j].DroneID })
	out := &Results{Drones: results, Elapsed: time.Since(start)}
	out.Delivered, out.Dropped = bus.Stats()
	return out, errs
}

func droneName(id int) string {
	return fmt.Sprintf("drone%d", id)
}

// flyDrone feeds one drone's IMU samples and keyframes in time order.
func flyDrone(
	ctx context.Context,
	cfg *config.Config,
	sc Scenario,
	r *droneRun,
	truth map[state.FrameID]spatialmath.Pose,
) (DroneResult, error) {
	res := DroneResult{DroneID: r.drone.ID}
	images := map[state.FrameID]estimator.VisualImageDescArray{}
	seed := sc.Seed + uint64(r.drone.ID)*7919
	samples := IMUSamples(r.drone.Motion, 0, sc.Duration, sc.IMURate, cfg.IMU.Gravity, sc.IMUNoise, seed)
	next := 0
	var errsSq []float64

	for k, t := range sc.stamps() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		for ; next < len(samples) && samples[next].Stamp <= t+1e-9; next++ {
			if err := r.est.InputImu(samples[next]); err != nil {
				return res, err
			}
		}
		id := FrameID(r.drone.ID, k)
		pose := truth[id]
		frame := sc.Scene.Observe(r.drone.ID, id, t, pose, sc.Extrinsics, seed+uint64(k)+1)
		if k == 0 {
			frame.EgoPose, frame.HasEgoPose = pose, true
		}
		if r.fe.ProcessFrame(frame) != frontend.AcceptAsKeyframe {
			continue
		}
		images[id] = frame
		if err := r.est.InputImage(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return res, err
			}
			if !errors.Is(err, state.ErrUninitializedPose) {
				return res, errors.Wrapf(err, "drone %d frame %d", r.drone.ID, id)
			}
		}
		if err := publishKeyframes(ctx, r, images); err != nil {
			return res, err
		}
		r.clk.Add(cfg.Frontend.LoopPeriod())

		odom := r.est.GetOdometry()
		if !odom.Provisional && odom.Stamp == t {
			e := odom.Pose.Position.Sub(pose.Position).Norm()
			errsSq = append(errsSq, e*e)
			res.MaxOdometryError = math.Max(res.MaxOdometryError, e)
		}
	}
	res.Keyframes = len(r.est.GetState().FrameIDs(r.drone.ID))
	if len(errsSq) > 0 {
		mean, err := stats.Mean(errsSq)
		if err == nil {
			res.OdometryRMSE = math.Sqrt(mean)
		}
	}
	res.LastSolve = r.est.LastSummary()
	res.Report = r.est.Report()
	return res, nil
}

func publishKeyframes(ctx context.Context, r *droneRun, images map[state.FrameID]estimator.VisualImageDescArray) error {
	for {
		select {
		case kf, ok := <-r.est.Keyframes():
			if !ok {
				return nil
			}
			if err := r.fe.OnLocalKeyframe(ctx, kf, images[kf.FrameID]); err != nil {
				return err
			}
			delete(images, kf.FrameID)
		default:
			return nil
		}
	}
}

// drainLoopQueue ticks the loop timer until every queued frame was processed.
func drainLoopQueue(ctx context.Context, r *droneRun, period time.Duration) {
	for i := 0; i < 10000 && r.fe.QueueLen() > 0; i++ {
		r.clk.Add(period)
		if !goutils.SelectContextOrWait(ctx, time.Millisecond) {
			return
		}
	}
}

func graphRMSE(g *pgo.State, drone int, truth map[state.FrameID]spatialmath.Pose) float64 {
	var sq stats.Float64Data
	for _, f := range g.GetFrames(drone) {
		p, ok := truth[f.FrameID]
		if !ok {
			continue
		}
		e := f.Pose.Position.Sub(p.Position).Norm()
		sq = append(sq, e*e)
	}
	mean, err := sq.Mean()
	if err != nil {
		return 0
	}
	return math.Sqrt(mean)
}
