package estimator

import (
	"context"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.swarmvio.dev/vio/marginalization"
	"go.swarmvio.dev/vio/solver"
	"go.swarmvio.dev/vio/state"
)

// window is the problem built from one snapshot.
type window struct {
	snap            *state.Snapshot
	problem         *solver.Problem
	landmarkFactors []*solver.ReprojectionFactor
	// landmarks are the ids with a block in the problem, in increasing order.
	landmarks []state.LandmarkID
	// initialized are the landmarks that got a position from this snapshot.
	initialized []state.LandmarkID
}

// solve runs one sliding-window solve, commits it and marginalizes while the window is over
// capacity. The state lock is only held to snapshot and to commit.
func (e *Estimator) solve(ctx context.Context) error {
	st := e.GetState()
	snap := st.Snapshot(st.SelfID())
	w, err := e.buildProblem(snap)
	if err != nil {
		return err
	}
	if len(snap.Frames) < 2 && e.prior == nil {
		// Nothing constrains a lone frame yet, keep the depth initializations.
		st.Commit(&state.Update{Landmarks: e.landmarkUpdates(w, nil, nil)})
		return nil
	}

	summary, err := solver.Solve(ctx, w.problem, e.solverOpts, e.logger)
	switch {
	case errors.Is(err, state.ErrSolveBudgetExceeded):
		e.logger.CWarnw(ctx, "committing best iterate", "error", err, "summary", summary.String())
	case err != nil:
		return errors.Wrap(err, "sliding window solve")
	}
	e.solves.Inc()
	e.lastSummary = summary
	e.logger.CDebugw(ctx, "solved", "frames", len(snap.Frames), "landmarks", len(w.landmarks),
		"residuals", w.problem.NumResiduals(), "summary", summary.String())

	vals := w.problem.Values()
	outliers := e.builder.Outliers(w.landmarkFactors, vals, snap.PriorLandmarks)
	if len(outliers) > 0 {
		e.logger.CInfow(ctx, "rejected landmarks", "count", len(outliers))
	}
	update := &state.Update{Landmarks: e.landmarkUpdates(w, vals, outliers)}
	for _, f := range snap.Frames {
		pose, err := vals.Pose(solver.PoseKey(f.FrameID))
		if err != nil {
			return err
		}
		vel, bias, err := vals.SpeedBias(solver.SpeedBiasKey(f.FrameID))
		if err != nil {
			return err
		}
		f.Pose, f.Velocity, f.Bias = pose, vel, bias
		update.Frames = append(update.Frames, f)
	}
	st.Commit(update)
	e.repropagate(update.Frames)

	factors := lo.Reject(w.problem.Factors(), func(f solver.Factor, _ int) bool {
		rf, ok := f.(*solver.ReprojectionFactor)
		return ok && outliers[rf.Landmark]
	})
	inSolve := map[state.LandmarkID]bool{}
	for _, id := range w.landmarks {
		if !outliers[id] {
			inSolve[id] = true
		}
	}
	return e.marginalize(w.problem, factors, vals, inSolve)
}

// buildProblem initializes the snapshot's landmarks and assembles the prior, the IMU factors
// between consecutive active frames and the reprojection factors of the usable landmarks.
func (e *Estimator) buildProblem(snap *state.Snapshot) (*window, error) {
	w := &window{snap: snap, problem: solver.NewProblem()}
	w.initialized = e.builder.Initialize(snap)
	p := w.problem
	for _, f := range snap.Frames {
		if err := p.AddParameter(solver.PoseKey(f.FrameID), solver.PoseValues(f.Pose, false)); err != nil {
			return nil, err
		}
		if err := p.AddParameter(solver.SpeedBiasKey(f.FrameID), solver.SpeedBiasValues(f.Velocity, f.Bias)); err != nil {
			return nil, err
		}
	}
	w.landmarkFactors, w.landmarks = e.builder.Factors(snap)
	for _, id := range w.landmarks {
		if err := p.AddParameter(solver.LandmarkKey(id), solver.PointValues(snap.Landmarks[id].Position)); err != nil {
			return nil, err
		}
	}

	if e.prior != nil {
		for _, k := range e.prior.ParamKeys() {
			if p.HasParameter(k) {
				continue
			}
			e.logger.Warnw("prior block missing from window, using its linearization point", "block", k.String())
			if err := p.AddParameter(k, e.prior.X0[k]); err != nil {
				return nil, err
			}
		}
		if err := p.AddFactor(e.prior); err != nil {
			return nil, err
		}
	}
	for i := 1; i < len(snap.Frames); i++ {
		from, to := snap.Frames[i-1].FrameID, snap.Frames[i].FrameID
		link, ok := e.links[to]
		if !ok || link.from != from {
			continue
		}
		if err := p.AddFactor(solver.NewIMUFactor(from, to, link.pre)); err != nil {
			return nil, err
		}
	}
	for _, f := range w.landmarkFactors {
		if err := p.AddFactor(f); err != nil {
			return nil, err
		}
	}
	if e.prior == nil && e.cfg.Estimator.FixFirstPose && len(snap.Frames) > 0 {
		p.SetConstant(solver.PoseKey(snap.Frames[0].FrameID))
	}
	return w, nil
}

// landmarkUpdates flags the solved landmarks ESTIMATED or OUTLIER and records the positions of
// landmarks initialized but not yet solved. vals is nil when no solve ran.
func (e *Estimator) landmarkUpdates(w *window, vals solver.Values, outliers map[state.LandmarkID]bool) []state.LandmarkUpdate {
	var out []state.LandmarkUpdate
	solved := map[state.LandmarkID]bool{}
	if vals != nil {
		for _, id := range w.landmarks {
			pos, err := vals.Point(solver.LandmarkKey(id))
			if err != nil {
				continue
			}
			solved[id] = true
			flag := state.LandmarkEstimated
			if outliers[id] {
				flag = state.LandmarkOutlier
			}
			out = append(out, state.LandmarkUpdate{ID: id, Position: pos, HasPosition: true, Flag: flag})
		}
	}
	for _, id := range w.initialized {
		if solved[id] {
			continue
		}
		lm := w.snap.Landmarks[id]
		out = append(out, state.LandmarkUpdate{ID: id, Position: lm.Position, HasPosition: true, Flag: lm.Flag})
	}
	return out
}

// repropagate integrates a link again when the solved bias of its start frame moved away from
// the bias it was integrated with.
func (e *Estimator) repropagate(frames []state.VINSFrame) {
	byID := lo.SliceToMap(frames, func(f state.VINSFrame) (state.FrameID, state.VINSFrame) { return f.FrameID, f })
	for to, link := range e.links {
		f, ok := byID[link.from]
		if !ok {
			continue
		}
		ba, bg := link.pre.LinearizedBias()
		if f.Bias.Acc.Sub(ba).Norm() > repropagateAccBias || f.Bias.Gyro.Sub(bg).Norm() > repropagateGyroBias {
			e.logger.Debugw("repropagating imu", "from", link.from, "to", to)
			link.pre.Repropagate(f.Bias.Acc, f.Bias.Gyro)
		}
	}
}

// marginalize drops the oldest frames until the window is back to capacity. Each elimination
// linearizes the factors touching the dropped blocks at the solved values and replaces the prior.
func (e *Estimator) marginalize(p *solver.Problem, factors []solver.Factor, vals solver.Values, inSolve map[state.LandmarkID]bool) error {
	st := e.GetState()
	for {
		active := st.ActiveFrameIDs(st.SelfID())
		oldest, ok := marginalization.OldestFrame(active, e.cfg.Estimator.WindowSize)
		if !ok {
			return nil
		}
		plan := marginalization.PlanFrame(st.Snapshot(st.SelfID()), oldest, inSolve)
		touching := marginalization.Touching(factors, plan.Dropped)
		constant := map[solver.ParamKey]bool{}
		for _, k := range plan.Dropped {
			if p.IsConstant(k) {
				constant[k] = true
			}
		}

		res, err := e.marginalizer.Marginalize(touching, vals, plan.Dropped, constant)
		if err != nil {
			// The frame still leaves the window. Its information is lost with the old prior.
			e.logger.Errorw("marginalization failed, discarding prior", "frame_id", oldest, "error", err)
			res = &marginalization.Result{}
		}
		e.prior = res.Prior
		e.lastMarg = res

		var priorFrames []state.FrameID
		var priorLandmarks []state.LandmarkID
		if res.Prior != nil {
			for _, k := range res.Prior.ParamKeys() {
				switch k.Kind {
				case solver.KindLandmark:
					priorLandmarks = append(priorLandmarks, state.LandmarkID(k.ID))
				default:
					priorFrames = append(priorFrames, state.FrameID(k.ID))
				}
			}
		}
		st.SetPriorReferences(lo.Uniq(priorFrames), priorLandmarks)
		if err := st.MarginalizeFrame(oldest, plan.Eliminated); err != nil {
			return err
		}
		for to, link := range e.links {
			if to == oldest || link.from == oldest {
				delete(e.links, to)
			}
		}
		for _, id := range plan.Eliminated {
			delete(inSolve, id)
		}

		remaining := lo.Without(factors, touching...)
		if res.Prior != nil {
			remaining = append(remaining, res.Prior)
		}
		factors = remaining
		e.logger.Infow("marginalized frame", "frame_id", oldest, "eliminated_landmarks", len(plan.Eliminated),
			"prior_rank", res.Rank, "regularized", res.Regularized)
	}
}

// Report gathers the post-solve data for an external visualizer.
func (e *Estimator) Report() PostSolveReport {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.GetState()
	odom := e.GetOdometry()
	r := PostSolveReport{
		Stamp:                 odom.Stamp,
		Odometry:              odom,
		Propagation:           e.GetImuPropagation(),
		Summary:               e.lastSummary,
		ActiveFrames:          len(st.ActiveFrameIDs(st.SelfID())),
		InitializedLandmarks:  st.InitializedLandmarks(),
		MarginalizedLandmarks: st.MarginalizedLandmarks(),
		HasPrior:              e.prior != nil,
	}
	for _, id := range st.FrameIDs(st.SelfID()) {
		if f, err := st.GetFrame(id); err == nil {
			r.Path = append(r.Path, f.Pose)
		}
	}
	if e.lastMarg != nil {
		r.PriorRank = e.lastMarg.Rank
		r.Regularized = e.lastMarg.Regularized
	}
	return r
}
