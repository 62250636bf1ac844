package solver

import (
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Problem is a set of parameter blocks and the factors over them.
type Problem struct {
	values   Values
	order    []ParamKey
	constant map[ParamKey]bool
	factors  []Factor
}

// NewProblem returns an empty problem.
func NewProblem() *Problem {
	return &Problem{values: Values{}, constant: map[ParamKey]bool{}}
}

// AddParameter adds a block with its initial value, or overwrites the value of an existing one.
func (p *Problem) AddParameter(key ParamKey, x []float64) error {
	if len(x) != key.Kind.GlobalSize() {
		return errors.Errorf("parameter %s has %d values, want %d", key, len(x), key.Kind.GlobalSize())
	}
	if _, ok := p.values[key]; !ok {
		p.order = append(p.order, key)
	}
	p.values[key] = append([]float64(nil), x...)
	return nil
}

// HasParameter returns whether a block was added.
func (p *Problem) HasParameter(key ParamKey) bool {
	_, ok := p.values[key]
	return ok
}

// SetConstant holds a block fixed during the solve.
func (p *Problem) SetConstant(key ParamKey) {
	p.constant[key] = true
}

// IsConstant returns whether a block is held fixed.
func (p *Problem) IsConstant(key ParamKey) bool {
	return p.constant[key]
}

// AddFactor adds a factor whose blocks must all have been added.
func (p *Problem) AddFactor(f Factor) error {
	for _, k := range f.ParamKeys() {
		if _, ok := p.values[k]; !ok {
			return errors.Errorf("factor references unknown parameter %s", k)
		}
	}
	p.factors = append(p.factors, f)
	return nil
}

// Factors returns the factors in insertion order.
func (p *Problem) Factors() []Factor {
	return p.factors
}

// Values returns the current values. The map is owned by the problem.
func (p *Problem) Values() Values {
	return p.values
}

// FreeKeys returns the non-constant blocks in insertion order.
func (p *Problem) FreeKeys() []ParamKey {
	out := make([]ParamKey, 0, len(p.order))
	for _, k := range p.order {
		if !p.constant[k] {
			out = append(out, k)
		}
	}
	return out
}

// NumResiduals is the total residual dimension.
func (p *Problem) NumResiduals() int {
	n := 0
	for _, f := range p.factors {
		n += f.ResidualSize()
	}
	return n
}

// Index assigns each block a column offset in the stacked tangent vector. Blocks not in the index
// are treated as constants.
type Index struct {
	keys    []ParamKey
	offsets map[ParamKey]int
	size    int
}

// NewIndex lays the blocks out in the given order.
func NewIndex(keys []ParamKey) *Index {
	ix := &Index{offsets: make(map[ParamKey]int, len(keys))}
	for _, k := range keys {
		if _, ok := ix.offsets[k]; ok {
			continue
		}
		ix.keys = append(ix.keys, k)
		ix.offsets[k] = ix.size
		ix.size += k.Kind.TangentSize()
	}
	return ix
}

// Keys returns the indexed blocks in column order.
func (ix *Index) Keys() []ParamKey {
	return ix.keys
}

// Offset returns the first column of a block.
func (ix *Index) Offset(k ParamKey) (int, bool) {
	off, ok := ix.offsets[k]
	return off, ok
}

// Size is the total tangent dimension.
func (ix *Index) Size() int {
	return ix.size
}

// Apply returns vals with the stacked increment dx added to every indexed block.
func (ix *Index) Apply(vals Values, dx []float64) Values {
	out := vals.Clone()
	for _, k := range ix.keys {
		off := ix.offsets[k]
		out[k] = Plus(k.Kind, vals[k], dx[off:off+k.Kind.TangentSize()])
	}
	return out
}

// NormalEquations accumulates H = J^T J and b = J^T r over the indexed blocks, with robust
// factors reweighted at the current residual. It also returns the robust cost 1/2 sum rho(|r|^2).
func NormalEquations(factors []Factor, vals Values, ix *Index, step float64) (*mat.SymDense, *mat.VecDense, float64, error) {
	n := ix.Size()
	h := mat.NewSymDense(n, nil)
	b := mat.NewVecDense(n, nil)
	cost := 0.
	for _, f := range factors {
		r, jacs, err := f.Linearize(vals, step)
		if err != nil {
			return nil, nil, 0, err
		}
		s := squaredNorm(r)
		cost += 0.5 * RobustCost(f, s)
		w := RobustWeight(f, s)

		keys := f.ParamKeys()
		for bi, ki := range keys {
			oi, ok := ix.Offset(ki)
			if !ok {
				continue
			}
			ji := jacs[bi]
			_, ci := ji.Dims()
			for a := 0; a < ci; a++ {
				sum := 0.
				for row, rv := range r {
					sum += ji.At(row, a) * rv
				}
				b.SetVec(oi+a, b.AtVec(oi+a)+w*sum)
			}
			for bj, kj := range keys {
				oj, ok := ix.Offset(kj)
				if !ok || oj < oi {
					continue
				}
				jj := jacs[bj]
				_, cj := jj.Dims()
				var blk mat.Dense
				blk.Mul(ji.T(), jj)
				for a := 0; a < ci; a++ {
					for c := 0; c < cj; c++ {
						row, col := oi+a, oj+c
						if oi == oj && col < row {
							continue
						}
						h.SetSym(row, col, h.At(row, col)+w*blk.At(a, c))
					}
				}
			}
		}
	}
	return h, b, cost, nil
}

// Cost is the robust cost of the factors at vals.
func Cost(factors []Factor, vals Values) (float64, error) {
	cost := 0.
	for _, f := range factors {
		r, err := f.Evaluate(vals)
		if err != nil {
			return 0, err
		}
		cost += 0.5 * RobustCost(f, squaredNorm(r))
	}
	return cost, nil
}
