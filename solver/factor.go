package solver

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// Factor is one residual block of the problem. The set of implementations is closed: prior,
// IMU, reprojection and relative pose factors.
type Factor interface {
	// ParamKeys are the parameter blocks the residual depends on, in Jacobian order.
	ParamKeys() []ParamKey
	// ResidualSize is the dimension of the whitened residual.
	ResidualSize() int
	// Evaluate returns the whitened residual.
	Evaluate(vals Values) ([]float64, error)
	// Linearize returns the whitened residual and one Jacobian per parameter block with respect
	// to its tangent space. step is the finite-difference step for factors without analytic
	// Jacobians.
	Linearize(vals Values, step float64) ([]float64, []*mat.Dense, error)

	// robustDelta is the Huber threshold on the residual norm, or 0 for a plain squared loss.
	robustDelta() float64
}

// RobustWeight returns the factor of the Huber loss gradient for a squared residual norm s. The
// residual and Jacobians are scaled by its square root.
func RobustWeight(f Factor, s float64) float64 {
	delta := f.robustDelta()
	if delta <= 0 || s <= delta*delta {
		return 1
	}
	return delta / math.Sqrt(s)
}

// RobustCost is the loss of a factor with squared residual norm s, without the 1/2 factor.
func RobustCost(f Factor, s float64) float64 {
	delta := f.robustDelta()
	if delta <= 0 || s <= delta*delta {
		return s
	}
	return 2*delta*math.Sqrt(s) - delta*delta
}

// numericLinearize evaluates central differences in the tangent space of each block.
func numericLinearize(f Factor, vals Values, step float64) ([]float64, []*mat.Dense, error) {
	r, err := f.Evaluate(vals)
	if err != nil {
		return nil, nil, err
	}
	if step <= 0 {
		step = 1e-6
	}
	keys := f.ParamKeys()
	jacs := make([]*mat.Dense, len(keys))
	// Shallow copy: only the perturbed block is replaced.
	local := make(Values, len(keys))
	for _, k := range keys {
		local[k] = vals[k]
	}
	for bi, key := range keys {
		base := vals[key]
		dim := key.Kind.TangentSize()
		jac := mat.NewDense(len(r), dim, nil)
		delta := make([]float64, dim)
		for d := 0; d < dim; d++ {
			delta[d] = step
			local[key] = Plus(key.Kind, base, delta)
			rp, err := f.Evaluate(local)
			if err != nil {
				return nil, nil, err
			}
			delta[d] = -step
			local[key] = Plus(key.Kind, base, delta)
			rm, err := f.Evaluate(local)
			if err != nil {
				return nil, nil, err
			}
			delta[d] = 0
			for row := range r {
				jac.Set(row, d, (rp[row]-rm[row])/(2*step))
			}
		}
		local[key] = base
		jacs[bi] = jac
	}
	return r, jacs, nil
}

func squaredNorm(r []float64) float64 {
	s := 0.
	for _, v := range r {
		s += v * v
	}
	return s
}
