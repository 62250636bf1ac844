package marginalization

import (
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.swarmvio.dev/vio/config"
	"go.swarmvio.dev/vio/logging"
	"go.swarmvio.dev/vio/solver"
	"go.swarmvio.dev/vio/spatialmath"
	"go.swarmvio.dev/vio/state"
)

func TestOldestFrame(t *testing.T) {
	id, ok := OldestFrame([]state.FrameID{3, 1, 2}, 2)
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, id, test.ShouldEqual, state.FrameID(1))
	_, ok = OldestFrame([]state.FrameID{1, 2}, 2)
	test.That(t, ok, test.ShouldBeFalse)
}

func TestPlanFrame(t *testing.T) {
	st := state.New(0, false, nil, logging.NewTestLogger(t))
	for _, id := range []state.FrameID{1, 2, 3} {
		_, err := st.AddFrame(state.VINSFrame{FrameID: id, Pose: spatialmath.NewZeroPose()})
		test.That(t, err, test.ShouldBeNil)
	}
	observe := func(lid state.LandmarkID, frames ...state.FrameID) {
		for _, f := range frames {
			test.That(t, st.AddLandmarkObservation(lid, f, state.Observation{FrameID: f}), test.ShouldBeNil)
		}
	}
	observe(10, 1)
	observe(11, 1, 2)
	observe(12, 1)
	observe(13, 2)

	plan := PlanFrame(st.Snapshot(0), 1, map[state.LandmarkID]bool{10: true, 11: true, 13: true})
	test.That(t, plan.Frame, test.ShouldEqual, state.FrameID(1))
	test.That(t, plan.Eliminated, test.ShouldResemble, []state.LandmarkID{10, 12})
	test.That(t, plan.Dropped, test.ShouldResemble, []solver.ParamKey{
		solver.PoseKey(1), solver.SpeedBiasKey(1), solver.LandmarkKey(10),
	})
}

type chain struct {
	vals    solver.Values
	anchor  *solver.PriorFactor
	edges   map[[2]int]solver.Factor
	factors []solver.Factor
}

func newChain(t *testing.T) *chain {
	truth := []spatialmath.Pose{
		spatialmath.NewZeroPose(),
		spatialmath.NewPoseFromYaw(r3.Vector{X: 1}, 0.2),
		spatialmath.NewPoseFromYaw(r3.Vector{X: 2, Y: 0.3}, 0.5),
	}
	c := &chain{vals: solver.Values{}, edges: map[[2]int]solver.Factor{}}
	// Values away from the measurements so the residuals are not zero.
	for i, p := range truth {
		c.vals[solver.PoseKey(state.FrameID(i))] = solver.PoseValues(p.Plus([]float64{0.02 * float64(i), -0.01, 0.03, 0.01, 0, -0.02}), false)
	}
	j0 := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		j0.Set(i, i, 10)
	}
	anchor, err := solver.NewPriorFactor([]solver.ParamKey{solver.PoseKey(0)}, solver.Values{solver.PoseKey(0): solver.PoseValues(truth[0], false)}, j0, make([]float64, 6))
	test.That(t, err, test.ShouldBeNil)
	c.anchor = anchor
	c.factors = append(c.factors, anchor)
	for _, e := range [][2]int{{0, 1}, {1, 2}, {0, 2}} {
		f := solver.NewRelativePoseFactor(state.FrameID(e[0]), state.FrameID(e[1]), spatialmath.PoseBetween(truth[e[0]], truth[e[1]]), false, 0.1, 0.05)
		c.edges[e] = f
		c.factors = append(c.factors, f)
	}
	return c
}

func TestSchurComplementMatchesMarginalCovariance(t *testing.T) {
	c := newChain(t)
	cfg := config.DefaultConfig().Solver
	m := New(cfg, logging.NewTestLogger(t))

	dropped := []solver.ParamKey{solver.PoseKey(0)}
	touching := Touching(c.factors, dropped)
	test.That(t, len(touching), test.ShouldEqual, 3)
	res, err := m.Marginalize(touching, c.vals, dropped, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Regularized, test.ShouldBeFalse)
	test.That(t, res.Rank, test.ShouldEqual, 12)
	prior := res.Prior
	test.That(t, prior.ParamKeys(), test.ShouldResemble, []solver.ParamKey{solver.PoseKey(1), solver.PoseKey(2)})

	// Full system over all three poses.
	full := solver.NewIndex([]solver.ParamKey{solver.PoseKey(1), solver.PoseKey(2), solver.PoseKey(0)})
	hFull, bFull, _, err := solver.NormalEquations(c.factors, c.vals, full, cfg.NumericDiffStep)
	test.That(t, err, test.ShouldBeNil)
	var cov mat.Dense
	test.That(t, cov.Inverse(hFull), test.ShouldBeNil)

	// Retained system: the prior plus the factor that does not touch pose 0.
	kept := solver.NewIndex(prior.ParamKeys())
	remaining := []solver.Factor{c.edges[[2]int{1, 2}]}
	hRem, _, _, err := solver.NormalEquations(remaining, c.vals, kept, cfg.NumericDiffStep)
	test.That(t, err, test.ShouldBeNil)
	hPost, bPrior, _, err := solver.NormalEquations(append(remaining, prior), c.vals, kept, cfg.NumericDiffStep)
	test.That(t, err, test.ShouldBeNil)
	var covPost mat.Dense
	test.That(t, covPost.Inverse(hPost), test.ShouldBeNil)

	for r := 0; r < 12; r++ {
		for col := 0; col < 12; col++ {
			test.That(t, covPost.At(r, col), test.ShouldAlmostEqual, cov.At(r, col), 1e-6)
		}
	}

	// The prior gradient at the linearization point is the reduced gradient of the full system.
	hdd := mat.NewDense(6, 6, nil)
	hkd := mat.NewDense(12, 6, nil)
	for r := 0; r < 6; r++ {
		for col := 0; col < 6; col++ {
			hdd.Set(r, col, hFull.At(12+r, 12+col))
		}
	}
	for r := 0; r < 12; r++ {
		for col := 0; col < 6; col++ {
			hkd.Set(r, col, hFull.At(r, 12+col))
		}
	}
	var hddInv, tmp mat.Dense
	test.That(t, hddInv.Inverse(hdd), test.ShouldBeNil)
	tmp.Mul(hkd, &hddInv)
	var corr mat.VecDense
	corr.MulVec(&tmp, bFull.SliceVec(12, 18))
	for i := 0; i < 12; i++ {
		test.That(t, bPrior.AtVec(i), test.ShouldAlmostEqual, bFull.AtVec(i)-corr.AtVec(i), 1e-6)
	}

	// Information is never lost: the posterior minus the remaining factors is J0^T J0 >= 0.
	diff := mat.NewSymDense(12, nil)
	for r := 0; r < 12; r++ {
		for col := r; col < 12; col++ {
			diff.SetSym(r, col, hPost.At(r, col)-hRem.At(r, col))
		}
	}
	var eig mat.EigenSym
	test.That(t, eig.Factorize(diff, false), test.ShouldBeTrue)
	for _, v := range eig.Values(nil) {
		test.That(t, v, test.ShouldBeGreaterThan, -1e-6)
	}
	info := prior.Information()
	for r := 0; r < 12; r++ {
		for col := 0; col < 12; col++ {
			test.That(t, info.At(r, col), test.ShouldAlmostEqual, diff.At(r, col), 1e-6)
		}
	}
}

func TestMarginalizeConstantAndEmpty(t *testing.T) {
	c := newChain(t)
	m := New(config.DefaultConfig().Solver, logging.NewTestLogger(t))

	// Dropping a constant block keeps the information on the others.
	constant := map[solver.ParamKey]bool{solver.PoseKey(0): true}
	res, err := m.Marginalize([]solver.Factor{c.edges[[2]int{0, 1}]}, c.vals, []solver.ParamKey{solver.PoseKey(0)}, constant)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Prior, test.ShouldNotBeNil)
	test.That(t, res.Prior.ParamKeys(), test.ShouldResemble, []solver.ParamKey{solver.PoseKey(1)})
	test.That(t, res.Rank, test.ShouldEqual, 6)

	// Nothing retained.
	res, err = m.Marginalize([]solver.Factor{c.anchor}, c.vals, []solver.ParamKey{solver.PoseKey(0)}, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Prior, test.ShouldBeNil)

	_, err = m.Marginalize([]solver.Factor{c.edges[[2]int{0, 1}]}, solver.Values{}, []solver.ParamKey{solver.PoseKey(0)}, nil)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestIllConditionedElimination(t *testing.T) {
	logger, logs := logging.NewObservedTestLogger(t)
	m := New(config.DefaultConfig().Solver, logger)

	pose := spatialmath.NewZeroPose()
	point := r3.Vector{X: 0.3, Y: -0.2, Z: 4}
	proj, _ := solver.ProjectPoint(pose, spatialmath.NewZeroPose(), point)
	f := &solver.ReprojectionFactor{
		Frame:       1,
		Landmark:    5,
		Extrinsic:   spatialmath.NewZeroPose(),
		Measurement: r2.Point{X: proj.X + 0.001, Y: proj.Y},
		Focal:       460,
		PixelSigma:  1.5,
	}
	vals := solver.Values{
		solver.PoseKey(1):     solver.PoseValues(pose, false),
		solver.LandmarkKey(5): solver.PointValues(point),
	}
	j0 := mat.NewDense(6, 6, nil)
	for i := 0; i < 6; i++ {
		j0.Set(i, i, 10)
	}
	anchor, err := solver.NewPriorFactor([]solver.ParamKey{solver.PoseKey(1)}, vals, j0, make([]float64, 6))
	test.That(t, err, test.ShouldBeNil)

	// A single view leaves the depth of the landmark unobservable.
	res, err := m.Marginalize([]solver.Factor{f, anchor}, vals, []solver.ParamKey{solver.LandmarkKey(5)}, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.Regularized, test.ShouldBeTrue)
	test.That(t, res.Prior, test.ShouldNotBeNil)
	test.That(t, res.Rank, test.ShouldEqual, 6)
	test.That(t, logs.FilterMessageSnippet("regularized").Len(), test.ShouldEqual, 1)
}

func TestInvertDropsSmallEigenvalues(t *testing.T) {
	cfg := config.DefaultConfig().Solver
	m := New(cfg, logging.NewTestLogger(t))

	inv, regularized, err := m.invert(mat.NewSymDense(2, []float64{4, 0, 0, 1}))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, regularized, test.ShouldBeFalse)
	test.That(t, inv.At(0, 0), test.ShouldAlmostEqual, 0.25, 1e-12)
	test.That(t, inv.At(1, 1), test.ShouldAlmostEqual, 1., 1e-12)

	// Below the cutoff relative to the largest eigenvalue the direction is left out.
	tiny := 0.1 * cfg.EliminationRegularization * 4
	inv, regularized, err = m.invert(mat.NewSymDense(2, []float64{4, 0, 0, tiny}))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, regularized, test.ShouldBeTrue)
	test.That(t, inv.At(0, 0), test.ShouldAlmostEqual, 0.25, 1e-12)
	test.That(t, inv.At(1, 1), test.ShouldAlmostEqual, 0., 1e-12)
	test.That(t, inv.At(0, 1), test.ShouldAlmostEqual, 0., 1e-12)
}
