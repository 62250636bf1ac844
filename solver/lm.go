package solver

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.swarmvio.dev/vio/config"
	"go.swarmvio.dev/vio/logging"
	"go.swarmvio.dev/vio/state"
)

const (
	minLambda = 1e-12
	maxLambda = 1e12
	// minDiagonal floors the damping of directions the factors do not observe.
	minDiagonal = 1e-6
	// gradientTolerance is the largest gradient entry treated as stationary.
	gradientTolerance = 1e-10
	// stepTolerance is the smallest tangent step norm that counts as progress.
	stepTolerance = 1e-10
)

// Options bound a solve.
type Options struct {
	MaxIterations     int
	MaxSolveTime      time.Duration
	InitialLambda     float64
	FunctionTolerance float64
	NumericDiffStep   float64
	// Clock measures the wall-time budget. Defaults to the real clock.
	Clock clock.Clock
}

// OptionsFromConfig converts the solver config.
func OptionsFromConfig(cfg config.SolverConfig) Options {
	return Options{
		MaxIterations:     cfg.MaxIterations,
		MaxSolveTime:      cfg.MaxSolveTime(),
		InitialLambda:     cfg.InitialLambda,
		FunctionTolerance: cfg.FunctionTolerance,
		NumericDiffStep:   cfg.NumericDiffStep,
	}
}

// Termination is why a solve stopped.
type Termination int

const (
	// Converged means the relative cost decrease or the step fell below tolerance.
	Converged Termination = iota
	// NoFreeParameters means every block was constant.
	NoFreeParameters
	// IterationLimit means MaxIterations was reached.
	IterationLimit
	// TimeLimit means MaxSolveTime elapsed.
	TimeLimit
	// Stalled means the damping grew without finding a decrease. The iterate is a minimum up to
	// numerical precision.
	Stalled
)

func (t Termination) String() string {
	switch t {
	case Converged:
		return "converged"
	case NoFreeParameters:
		return "no_free_parameters"
	case IterationLimit:
		return "iteration_limit"
	case TimeLimit:
		return "time_limit"
	case Stalled:
		return "stalled"
	default:
		return "unknown"
	}
}

// ReprojectionStats summarizes the pixel errors of the reprojection factors.
type ReprojectionStats struct {
	Count  int
	Mean   float64
	Median float64
	P90    float64
	Max    float64
}

// Summary describes a finished solve.
type Summary struct {
	Iterations   int
	InitialCost  float64
	FinalCost    float64
	Termination  Termination
	Duration     time.Duration
	Reprojection ReprojectionStats
}

func (s Summary) String() string {
	return fmt.Sprintf("%s after %d iterations in %s, cost %.6g -> %.6g, reprojection mean %.3fpx max %.3fpx (%d)",
		s.Termination, s.Iterations, s.Duration, s.InitialCost, s.FinalCost,
		s.Reprojection.Mean, s.Reprojection.Max, s.Reprojection.Count)
}

// Solve runs Levenberg-Marquardt on the free blocks of p and leaves the best iterate in
// p.Values(). When the iteration or time budget runs out before convergence, the returned error
// wraps state.ErrSolveBudgetExceeded and the best iterate is still in place. ctx is only checked
// before the first iteration; once started, a solve runs until its budget is spent.
func Solve(ctx context.Context, p *Problem, opts Options, logger logging.Logger) (summary Summary, err error) {
	if err := ctx.Err(); err != nil {
		return summary, err
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	start := clk.Now()
	ix := NewIndex(p.FreeKeys())

	cost, err := Cost(p.factors, p.values)
	if err != nil {
		return summary, err
	}
	summary.InitialCost, summary.FinalCost = cost, cost
	defer func() {
		summary.Duration = clk.Since(start)
	}()
	if ix.Size() == 0 {
		summary.Termination = NoFreeParameters
		summary.Reprojection = reprojectionStats(p.factors, p.values)
		return summary, nil
	}

	lambda := opts.InitialLambda
	if lambda <= 0 {
		lambda = 1e-4
	}
	maxIter := opts.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}
	summary.Termination = IterationLimit

	vals := p.values
	h, b, cost, err := NormalEquations(p.factors, vals, ix, opts.NumericDiffStep)
	if err != nil {
		return summary, err
	}

loop:
	for summary.Iterations < maxIter {
		if maxAbs(b) < gradientTolerance {
			summary.Termination = Converged
			break
		}
		if opts.MaxSolveTime > 0 && clk.Since(start) > opts.MaxSolveTime {
			summary.Termination = TimeLimit
			break
		}
		summary.Iterations++

		dx, ok := dampedStep(h, b, lambda)
		if !ok {
			lambda *= 10
			if lambda > maxLambda {
				summary.Termination = Stalled
				break
			}
			continue
		}
		cand := ix.Apply(vals, dx)
		newCost, err := Cost(p.factors, cand)
		if err != nil {
			return summary, err
		}

		switch {
		case newCost < cost:
			decrease := cost - newCost
			vals = cand
			lambda = math.Max(lambda/10, minLambda)
			h, b, cost, err = NormalEquations(p.factors, vals, ix, opts.NumericDiffStep)
			if err != nil {
				return summary, err
			}
			if decrease <= opts.FunctionTolerance*math.Max(cost, 1e-300) || norm(dx) < stepTolerance {
				summary.Termination = Converged
				break loop
			}
		case norm(dx) < stepTolerance || cost == 0:
			summary.Termination = Converged
			break loop
		default:
			lambda *= 10
			if lambda > maxLambda {
				summary.Termination = Stalled
				break loop
			}
		}
	}

	p.values = vals
	summary.FinalCost = cost
	summary.Reprojection = reprojectionStats(p.factors, vals)
	if logger != nil {
		logger.Debugw("solve finished",
			"termination", summary.Termination.String(),
			"iterations", summary.Iterations,
			"initial_cost", summary.InitialCost,
			"final_cost", summary.FinalCost)
	}
	switch summary.Termination {
	case IterationLimit, TimeLimit:
		return summary, errors.Wrapf(state.ErrSolveBudgetExceeded, "%s after %d iterations", summary.Termination, summary.Iterations)
	default:
		return summary, nil
	}
}

// dampedStep solves (H + lambda*diag(H)) dx = -b.
func dampedStep(h *mat.SymDense, b *mat.VecDense, lambda float64) ([]float64, bool) {
	n := h.SymmetricDim()
	damped := mat.NewSymDense(n, nil)
	damped.CopySym(h)
	for i := 0; i < n; i++ {
		d := math.Max(h.At(i, i), minDiagonal)
		damped.SetSym(i, i, h.At(i, i)+lambda*d)
	}
	var chol mat.Cholesky
	if !chol.Factorize(damped) {
		return nil, false
	}
	var dx mat.VecDense
	if err := chol.SolveVecTo(&dx, b); err != nil {
		return nil, false
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = -dx.AtVec(i)
	}
	return out, true
}

func maxAbs(v *mat.VecDense) float64 {
	m := 0.
	for i := 0; i < v.Len(); i++ {
		m = math.Max(m, math.Abs(v.AtVec(i)))
	}
	return m
}

func norm(v []float64) float64 {
	return math.Sqrt(squaredNorm(v))
}

func reprojectionStats(factors []Factor, vals Values) ReprojectionStats {
	var errs stats.Float64Data
	for _, f := range factors {
		rf, ok := f.(*ReprojectionFactor)
		if !ok {
			continue
		}
		e, err := rf.PixelError(vals)
		if err != nil {
			continue
		}
		errs = append(errs, e)
	}
	out := ReprojectionStats{Count: len(errs)}
	if len(errs) == 0 {
		return out
	}
	out.Mean, _ = stats.Mean(errs)
	out.Median, _ = stats.Median(errs)
	out.P90, _ = stats.Percentile(errs, 90)
	out.Max, _ = stats.Max(errs)
	return out
}
