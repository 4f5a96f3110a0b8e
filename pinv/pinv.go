// Package pinv computes eigendecomposition-based pseudo-inverses of
// symmetric positive semi-definite matrices, together with their condition
// numbers. The Newton step and every diagnostic estimator go through this
// package instead of a direct solve, so singular and ill-conditioned
// moment matrices degrade to a generalized inverse rather than failing.
package pinv

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrFactorization reports a failed symmetric eigendecomposition.
var ErrFactorization = errors.New("pinv: eigendecomposition failed")

const machineEps = 2.220446049250313e-16

// Decomposition holds the eigendecomposition of the symmetric part of a
// matrix. Eigenvalues are in ascending order.
type Decomposition struct {
	n       int
	values  []float64
	vectors *mat.Dense
}

// Decompose factorizes the symmetric part of a square matrix. Accumulated
// moment matrices are symmetric up to floating-point noise; symmetrizing
// first keeps the factorization well-posed.
func Decompose(a mat.Matrix) (*Decomposition, error) {
	n, m := a.Dims()
	if n != m {
		return nil, errors.New("pinv: matrix is not square")
	}
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sym.SetSym(i, j, 0.5*(a.At(i, j)+a.At(j, i)))
		}
	}
	var es mat.EigenSym
	if !es.Factorize(sym, true) {
		return nil, ErrFactorization
	}
	d := &Decomposition{n: n, values: es.Values(nil)}
	var v mat.Dense
	es.VectorsTo(&v)
	d.vectors = &v
	return d, nil
}

// cutoff is the eigenvalue magnitude below which a direction is treated as
// null space, relative to the largest eigenvalue.
func (d *Decomposition) cutoff() float64 {
	maxAbs := 0.0
	for _, v := range d.values {
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	return float64(d.n) * machineEps * maxAbs
}

// PseudoInverse returns V diag(1/λ) Vᵗ with eigenvalues at or below the
// cutoff dropped. For a nonsingular matrix this is the ordinary inverse.
func (d *Decomposition) PseudoInverse() *mat.Dense {
	tol := d.cutoff()
	p := mat.NewDense(d.n, d.n, nil)
	for k := 0; k < d.n; k++ {
		if d.values[k] <= tol {
			continue
		}
		inv := 1.0 / d.values[k]
		col := d.vectors.ColView(k)
		for i := 0; i < d.n; i++ {
			vi := inv * col.AtVec(i)
			for j := 0; j < d.n; j++ {
				p.Set(i, j, p.At(i, j)+vi*col.AtVec(j))
			}
		}
	}
	return p
}

// ConditionNumber returns the ratio of the largest to the smallest
// eigenvalue. Singular or indefinite matrices report +Inf.
func (d *Decomposition) ConditionNumber() float64 {
	if d.n == 0 {
		return math.Inf(1)
	}
	min, max := d.values[0], d.values[d.n-1]
	if min <= 0 {
		return math.Inf(1)
	}
	return max / min
}

// Diagonal returns the diagonal of the pseudo-inverse.
func Diagonal(p *mat.Dense) []float64 {
	n, _ := p.Dims()
	diag := make([]float64, n)
	for i := 0; i < n; i++ {
		diag[i] = p.At(i, i)
	}
	return diag
}
