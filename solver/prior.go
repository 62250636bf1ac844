package solver

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// PriorFactor is a linearized residual r = R0 + J0 * (x - X0) over the retained parameter
// blocks, with the difference taken on each block's manifold.
type PriorFactor struct {
	Keys []ParamKey
	// X0 is the linearization point of every key.
	X0 Values
	J0 *mat.Dense
	R0 []float64
}

// NewPriorFactor checks the dimensions and copies the linearization point.
func NewPriorFactor(keys []ParamKey, x0 Values, j0 *mat.Dense, r0 []float64) (*PriorFactor, error) {
	rows, cols := j0.Dims()
	if rows != len(r0) {
		return nil, errors.Errorf("prior jacobian has %d rows, residual has %d", rows, len(r0))
	}
	width := 0
	lin := make(Values, len(keys))
	for _, k := range keys {
		x, err := x0.get(k)
		if err != nil {
			return nil, err
		}
		lin[k] = append([]float64(nil), x...)
		width += k.Kind.TangentSize()
	}
	if width != cols {
		return nil, errors.Errorf("prior jacobian has %d columns, parameters need %d", cols, width)
	}
	return &PriorFactor{
		Keys: append([]ParamKey(nil), keys...),
		X0:   lin,
		J0:   mat.DenseCopyOf(j0),
		R0:   append([]float64(nil), r0...),
	}, nil
}

// ParamKeys implements Factor.
func (f *PriorFactor) ParamKeys() []ParamKey {
	return f.Keys
}

// ResidualSize implements Factor.
func (f *PriorFactor) ResidualSize() int {
	return len(f.R0)
}

// Evaluate implements Factor.
func (f *PriorFactor) Evaluate(vals Values) ([]float64, error) {
	dx, err := f.delta(vals)
	if err != nil {
		return nil, err
	}
	var r mat.VecDense
	r.MulVec(f.J0, mat.NewVecDense(len(dx), dx))
	out := make([]float64, len(f.R0))
	for i := range out {
		out[i] = f.R0[i] + r.AtVec(i)
	}
	return out, nil
}

// Linearize implements Factor. The Jacobian is J0 split into blocks.
func (f *PriorFactor) Linearize(vals Values, _ float64) ([]float64, []*mat.Dense, error) {
	r, err := f.Evaluate(vals)
	if err != nil {
		return nil, nil, err
	}
	jacs := make([]*mat.Dense, len(f.Keys))
	col := 0
	for i, k := range f.Keys {
		dim := k.Kind.TangentSize()
		jacs[i] = mat.DenseCopyOf(f.J0.Slice(0, len(f.R0), col, col+dim))
		col += dim
	}
	return r, jacs, nil
}

func (f *PriorFactor) robustDelta() float64 {
	return 0
}

func (f *PriorFactor) delta(vals Values) ([]float64, error) {
	var dx []float64
	for _, k := range f.Keys {
		x, err := vals.get(k)
		if err != nil {
			return nil, err
		}
		dx = append(dx, Minus(k.Kind, x, f.X0[k])...)
	}
	return dx, nil
}

// Information returns J0^T J0, the information the prior carries about its parameters.
func (f *PriorFactor) Information() *mat.SymDense {
	_, cols := f.J0.Dims()
	info := mat.NewSymDense(cols, nil)
	info.SymOuterK(1, f.J0.T())
	return info
}
