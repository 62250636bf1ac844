// Package marginalization folds the information of a keyframe leaving the sliding window into a
// linear prior over the parameters that stay: the factors touching the dropped blocks are
// linearized, the dropped blocks are eliminated with a Schur complement and the reduced system
// is factored back into a Jacobian and residual.
package marginalization

import (
	"math"
	"sort"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.swarmvio.dev/vio/config"
	"go.swarmvio.dev/vio/logging"
	"go.swarmvio.dev/vio/solver"
	"go.swarmvio.dev/vio/state"
)

// eigenFloor is the relative eigenvalue below which a direction of the reduced system carries no
// information and is left out of the prior.
const eigenFloor = 1e-12

// OldestFrame returns the frame to drop when more than size frames are active.
func OldestFrame(active []state.FrameID, size int) (state.FrameID, bool) {
	if size <= 0 || len(active) <= size {
		return -1, false
	}
	oldest := active[0]
	for _, id := range active[1:] {
		if id < oldest {
			oldest = id
		}
	}
	return oldest, true
}

// Plan lists what leaves the window with a frame.
type Plan struct {
	Frame state.FrameID
	// Dropped are the parameter blocks eliminated: the frame's pose and speed-bias and the
	// landmarks that have no other active observation.
	Dropped []solver.ParamKey
	// Eliminated are the landmarks flagged MARGINALIZED with the frame, whether or not they took
	// part in the solve.
	Eliminated []state.LandmarkID
}

// PlanFrame decides which blocks leave with frame. inSolve holds the landmarks that have a block
// in the problem.
func PlanFrame(snap *state.Snapshot, frame state.FrameID, inSolve map[state.LandmarkID]bool) Plan {
	plan := Plan{
		Frame:   frame,
		Dropped: []solver.ParamKey{solver.PoseKey(frame), solver.SpeedBiasKey(frame)},
	}
	ids := make([]state.LandmarkID, 0, len(snap.Landmarks))
	for id := range snap.Landmarks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		lm := snap.Landmarks[id]
		if _, ok := lm.ObservationIn(frame); !ok {
			continue
		}
		remaining := 0
		for _, o := range snap.ActiveObservations(lm) {
			if o.FrameID != frame {
				remaining++
			}
		}
		if remaining > 0 {
			continue
		}
		plan.Eliminated = append(plan.Eliminated, id)
		if inSolve[id] {
			plan.Dropped = append(plan.Dropped, solver.LandmarkKey(id))
		}
	}
	return plan
}

// Touching returns the factors that reference any of the keys.
func Touching(factors []solver.Factor, keys []solver.ParamKey) []solver.Factor {
	set := make(map[solver.ParamKey]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	var out []solver.Factor
	for _, f := range factors {
		for _, k := range f.ParamKeys() {
			if _, ok := set[k]; ok {
				out = append(out, f)
				break
			}
		}
	}
	return out
}

// Result is a finished elimination.
type Result struct {
	// Prior is nil when the dropped blocks shared no information with any retained block.
	Prior *solver.PriorFactor
	// Regularized is set when the dropped block was ill-conditioned.
	Regularized bool
	// Rank is the number of informative directions kept in the prior.
	Rank int
}

// Marginalizer eliminates parameter blocks into a prior.
type Marginalizer struct {
	cfg    config.SolverConfig
	logger logging.Logger
}

// New returns a Marginalizer.
func New(cfg config.SolverConfig, logger logging.Logger) *Marginalizer {
	return &Marginalizer{cfg: cfg, logger: logger}
}

// Marginalize linearizes factors at vals and eliminates the dropped blocks. Blocks in constant
// contribute no columns and are neither eliminated nor retained. The prior is over every other
// block the factors reference.
func (m *Marginalizer) Marginalize(
	factors []solver.Factor,
	vals solver.Values,
	dropped []solver.ParamKey,
	constant map[solver.ParamKey]bool,
) (*Result, error) {
	droppedSet := map[solver.ParamKey]bool{}
	var droppedFree []solver.ParamKey
	for _, k := range dropped {
		if droppedSet[k] {
			continue
		}
		droppedSet[k] = true
		if !constant[k] {
			droppedFree = append(droppedFree, k)
		}
	}
	keptSet := map[solver.ParamKey]bool{}
	var kept []solver.ParamKey
	for _, f := range factors {
		for _, k := range f.ParamKeys() {
			if droppedSet[k] || constant[k] || keptSet[k] {
				continue
			}
			if _, ok := vals[k]; !ok {
				return nil, errors.Wrapf(state.ErrNotFound, "parameter %s", k)
			}
			keptSet[k] = true
			kept = append(kept, k)
		}
	}
	solver.SortKeys(kept)
	solver.SortKeys(droppedFree)

	ix := solver.NewIndex(append(append([]solver.ParamKey(nil), kept...), droppedFree...))
	h, b, _, err := solver.NormalEquations(factors, vals, ix, m.cfg.NumericDiffStep)
	if err != nil {
		return nil, err
	}
	nk := 0
	for _, k := range kept {
		nk += k.Kind.TangentSize()
	}
	nd := ix.Size() - nk
	res := &Result{}
	if nk == 0 {
		return res, nil
	}

	hkk := symBlock(h, 0, nk)
	bk := mat.NewVecDense(nk, nil)
	for i := 0; i < nk; i++ {
		bk.SetVec(i, b.AtVec(i))
	}
	if nd > 0 {
		hdd := symBlock(h, nk, nd)
		hkd := mat.NewDense(nk, nd, nil)
		for r := 0; r < nk; r++ {
			for c := 0; c < nd; c++ {
				hkd.Set(r, c, h.At(r, nk+c))
			}
		}
		bd := mat.NewVecDense(nd, nil)
		for i := 0; i < nd; i++ {
			bd.SetVec(i, b.AtVec(nk+i))
		}
		hddInv, regularized, err := m.invert(hdd)
		if err != nil {
			return nil, err
		}
		if regularized {
			res.Regularized = true
			m.logger.Warnw("eliminated block regularized",
				"error", errors.Wrapf(state.ErrIllConditionedElimination, "%d dropped dims", nd).Error())
		}
		// S = Hkk - Hkd Hdd^-1 Hdk, bs = bk - Hkd Hdd^-1 bd
		var kdInv, schur mat.Dense
		kdInv.Mul(hkd, hddInv)
		schur.Mul(&kdInv, hkd.T())
		for r := 0; r < nk; r++ {
			for c := r; c < nk; c++ {
				hkk.SetSym(r, c, hkk.At(r, c)-schur.At(r, c))
			}
		}
		var corr mat.VecDense
		corr.MulVec(&kdInv, bd)
		bk.SubVec(bk, &corr)
	}

	j0, r0, rank, err := factorPrior(hkk, bk)
	if err != nil {
		return nil, err
	}
	res.Rank = rank
	if rank == 0 {
		return res, nil
	}
	prior, err := solver.NewPriorFactor(kept, vals, j0, r0)
	if err != nil {
		return nil, err
	}
	res.Prior = prior
	m.logger.Debugw("marginalized", "dropped", len(droppedFree), "kept", len(kept), "rank", rank)
	return res, nil
}

// invert returns the inverse of a symmetric positive semi-definite block through its eigen
// decomposition. Eigenvalues below the regularization threshold are inverted as zero, which
// leaves unobservable directions of the dropped block out of the prior.
func (m *Marginalizer) invert(a *mat.SymDense) (*mat.Dense, bool, error) {
	n := a.SymmetricDim()
	var eig mat.EigenSym
	if ok := eig.Factorize(a, true); !ok {
		return nil, false, errors.Wrap(state.ErrIllConditionedElimination, "eigen decomposition failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	maxVal := 0.
	for _, v := range vals {
		maxVal = math.Max(maxVal, v)
	}
	threshold := m.cfg.EliminationRegularization * math.Max(maxVal, 1)
	regularized := false
	scaled := mat.DenseCopyOf(&vecs)
	for c, v := range vals {
		inv := 0.
		if v > threshold {
			inv = 1 / v
		} else {
			regularized = true
		}
		for r := 0; r < n; r++ {
			scaled.Set(r, c, scaled.At(r, c)*inv)
		}
	}
	var out mat.Dense
	out.Mul(scaled, vecs.T())
	return &out, regularized, nil
}

// factorPrior decomposes S = V diag(s) V^T and returns J = diag(sqrt(s)) V^T and
// r = diag(1/sqrt(s)) V^T b over the informative eigenvalues, so that J^T J = S and J^T r = b.
func factorPrior(s *mat.SymDense, b *mat.VecDense) (*mat.Dense, []float64, int, error) {
	n := s.SymmetricDim()
	var eig mat.EigenSym
	if ok := eig.Factorize(s, true); !ok {
		return nil, nil, 0, errors.New("eigen decomposition of the reduced system failed")
	}
	vals := eig.Values(nil)
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	maxVal := 0.
	for _, v := range vals {
		maxVal = math.Max(maxVal, v)
	}
	var keep []int
	for i, v := range vals {
		if v > eigenFloor*math.Max(maxVal, 1) {
			keep = append(keep, i)
		}
	}
	if len(keep) == 0 {
		return nil, nil, 0, nil
	}
	j := mat.NewDense(len(keep), n, nil)
	r := make([]float64, len(keep))
	for row, i := range keep {
		sq := math.Sqrt(vals[i])
		dot := 0.
		for c := 0; c < n; c++ {
			v := vecs.At(c, i)
			j.Set(row, c, sq*v)
			dot += v * b.AtVec(c)
		}
		r[row] = dot / sq
	}
	return j, r, len(keep), nil
}

func symBlock(h *mat.SymDense, start, size int) *mat.SymDense {
	out := mat.NewSymDense(size, nil)
	for r := 0; r < size; r++ {
		for c := r; c < size; c++ {
			out.SetSym(r, c, h.At(start+r, start+c))
		}
	}
	return out
}
