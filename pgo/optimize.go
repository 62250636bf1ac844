package pgo

import (
	"context"

	"github.com/pkg/errors"

	"go.swarmvio.dev/vio/config"
	"go.swarmvio.dev/vio/solver"
	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
)

// loopHuberDelta bounds the influence of a wrong loop edge on the whitened residual.
const loopHuberDelta = 1.

// graph is a copy of the pose graph taken under the lock.
type graph struct {
	frames map[int][]state.VINSFrame
	edges  []LoopEdge
}

func (s *State) snapshotGraph() *graph {
	s.frames.Lock()
	defer s.frames.Unlock()
	g := &graph{frames: map[int][]state.VINSFrame{}, edges: append([]LoopEdge(nil), s.edges...)}
	for drone := range s.trajectories {
		for _, id := range s.frames.FrameIDsLocked(drone) {
			if f, err := s.frames.FrameLocked(id); err == nil {
				g.frames[drone] = append(g.frames[drone], *f)
			}
		}
	}
	return g
}

// Optimize refines every frame pose from the odometry between consecutive frames of each drone
// and the loop edges, then writes the result to the pose states and syncs the frames. The head
// frame of this drone is held fixed, as is the head of any drone no loop edge connects.
func (s *State) Optimize(ctx context.Context, cfg config.PGOConfig) (solver.Summary, error) {
	g := s.snapshotGraph()
	is4DoF := s.frames.Is4DoF()
	key := func(id state.FrameID) solver.ParamKey {
		if is4DoF {
			return solver.Pose4DoFKey(id)
		}
		return solver.PoseKey(id)
	}

	p := solver.NewProblem()
	current := map[state.FrameID]spatialmath.Pose{}
	for _, frames := range g.frames {
		for _, f := range frames {
			current[f.FrameID] = f.Pose
			if err := p.AddParameter(key(f.FrameID), solver.PoseValues(f.Pose, is4DoF)); err != nil {
				return solver.Summary{}, err
			}
		}
	}
	for _, frames := range g.frames {
		for i := 1; i < len(frames); i++ {
			a, b := frames[i-1], frames[i]
			rel := spatialmath.PoseBetween(a.InitialEgoPose, b.InitialEgoPose)
			if is4DoF {
				rel = solver.Relative4DoF(a.InitialEgoPose, rel)
			}
			f := solver.NewRelativePoseFactor(a.FrameID, b.FrameID, rel, is4DoF, cfg.OdomPositionSigma, cfg.OdomRotationSigma)
			if err := p.AddFactor(f); err != nil {
				return solver.Summary{}, err
			}
		}
	}
	connected := map[int]bool{}
	for _, e := range g.edges {
		a, okA := current[e.FrameA]
		_, okB := current[e.FrameB]
		if !okA || !okB {
			continue
		}
		rel := e.RelativePose
		if is4DoF {
			rel = solver.Relative4DoF(a, rel)
		}
		f := solver.NewRelativePoseFactor(e.FrameA, e.FrameB, rel, is4DoF, cfg.LoopPositionSigma, cfg.LoopRotationSigma)
		f.HuberDelta = loopHuberDelta
		if err := p.AddFactor(f); err != nil {
			return solver.Summary{}, err
		}
		if e.DroneA != e.DroneB {
			connected[e.DroneA], connected[e.DroneB] = true, true
		}
	}
	for drone, frames := range g.frames {
		if len(frames) == 0 {
			continue
		}
		if drone == s.frames.SelfID() || !connected[drone] {
			p.SetConstant(key(frames[0].FrameID))
		}
	}

	opts := solver.Options{
		MaxIterations:     cfg.MaxIterations,
		MaxSolveTime:      cfg.MaxSolveTime(),
		InitialLambda:     1e-4,
		FunctionTolerance: 1e-12,
		NumericDiffStep:   1e-6,
	}
	summary, err := solver.Solve(ctx, p, opts, s.logger)
	switch {
	case errors.Is(err, state.ErrSolveBudgetExceeded):
		s.logger.CWarnw(ctx, "committing best pose graph iterate", "error", err)
	case err != nil:
		return summary, errors.Wrap(err, "pose graph solve")
	}

	vals := p.Values()
	s.frames.Lock()
	defer s.frames.Unlock()
	states := s.frames.PoseStatesLocked()
	for id := range current {
		if _, err := s.frames.FrameLocked(id); err != nil {
			continue
		}
		states[id] = append([]float64(nil), vals[key(id)]...)
	}
	s.syncLocked()
	s.logger.CDebugw(ctx, "pose graph optimized", "frames", len(current), "loop_edges", len(g.edges), "summary", summary.String())
	return summary, nil
}
