// internal/klt/eigen.go
package klt

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/ColonelBlimp/kltdet/internal/errkind"
)

var (
	// ErrFactorization indicates the symmetric eigensolver did not converge
	ErrFactorization = fmt.Errorf("%w: eigensolver did not converge", errkind.ErrDecomposition)
	// ErrBasisDeficient indicates fewer orthonormal eigenvectors than the matrix order were recovered
	ErrBasisDeficient = fmt.Errorf("%w: could not recover a full orthonormal eigenbasis", errkind.ErrDecomposition)
	// ErrOrderMismatch indicates a covariance of a different order was passed to an engine
	ErrOrderMismatch = fmt.Errorf("%w: covariance order does not match engine order", errkind.ErrInvalidParameter)
)

const (
	// acceptResidual is the squared residual norm a candidate needs on the first
	// Gram-Schmidt pass; anything lower is mostly a rotated copy of an accepted vector.
	acceptResidual = 0.5
	// rescueResidual is the floor used on the second pass.
	rescueResidual = 1e-6
)

// Eigenpair is one eigenvalue with its unit eigenvector.
type Eigenpair struct {
	Value  float64
	Vector []complex128
}

// Decomposition is an eigen-decomposition sorted by eigenvalue, largest first.
// Eigenvalues are non-negative and eigenvectors are orthonormal.
type Decomposition struct {
	Pairs []Eigenpair
}

// Order returns the dimension of the decomposed matrix.
func (d *Decomposition) Order() int {
	return len(d.Pairs)
}

// Values returns the eigenvalues, largest first.
func (d *Decomposition) Values() []float64 {
	vals := make([]float64, len(d.Pairs))
	for i, p := range d.Pairs {
		vals[i] = p.Value
	}
	return vals
}

// Check verifies the decomposition invariants: non-negative, descending
// eigenvalues and pairwise orthonormal vectors within tol.
func (d *Decomposition) Check(tol float64) error {
	for i, p := range d.Pairs {
		if p.Value < 0 || math.IsNaN(p.Value) {
			return fmt.Errorf("eigenvalue %d is %v", i, p.Value)
		}
		if i > 0 && p.Value > d.Pairs[i-1].Value {
			return fmt.Errorf("eigenvalue %d (%v) exceeds eigenvalue %d (%v)", i, p.Value, i-1, d.Pairs[i-1].Value)
		}
		for j := 0; j <= i; j++ {
			g := dot(d.Pairs[j].Vector, p.Vector)
			want := 0.0
			if i == j {
				want = 1
			}
			if math.Abs(real(g)-want) > tol || math.Abs(imag(g)) > tol {
				return fmt.Errorf("eigenvectors %d and %d: inner product %v", j, i, g)
			}
		}
	}
	return nil
}

// Engine decomposes Hermitian covariance matrices of a fixed order.
//
// The n x n Hermitian matrix C = A + iB is embedded in the real symmetric
// 2n x 2n matrix [[A, -B], [B, A]] and factorized with gonum's EigenSym.
// Each eigenvalue of C appears twice in the embedding; the real eigenvector
// [u; v] maps to the complex eigenvector u + iv. A complex Gram-Schmidt pass
// over the real eigenvectors, largest first, keeps one complex vector per
// eigen-direction, and the eigenvalues are re-derived as Rayleigh quotients.
//
// An Engine reuses its buffers and is not safe for concurrent use; give each
// worker its own.
type Engine struct {
	order int
	sym   *mat.SymDense
	es    mat.EigenSym
	vecs  mat.Dense
	vals  []float64
}

// NewEngine returns an engine for order x order matrices.
func NewEngine(order int) (*Engine, error) {
	if order < 1 {
		return nil, ErrInvalidOrder
	}
	return &Engine{
		order: order,
		sym:   mat.NewSymDense(2*order, nil),
		vals:  make([]float64, 2*order),
	}, nil
}

// Order returns the matrix order the engine decomposes.
func (e *Engine) Order() int {
	return e.order
}

// DecomposeWindow estimates the window's covariance and decomposes it.
// The covariance is discarded afterwards.
func (e *Engine) DecomposeWindow(w Window) (*Decomposition, error) {
	cov, err := NewCovariance(w.samples, e.order)
	if err != nil {
		return nil, err
	}
	return e.Decompose(cov)
}

// Decompose returns the full eigen-decomposition of cov.
func (e *Engine) Decompose(cov *Covariance) (*Decomposition, error) {
	n := e.order
	if cov.Order() != n {
		return nil, ErrOrderMismatch
	}
	if !cov.finite() {
		return nil, ErrNonFinite
	}

	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			a := real(cov.At(i, j))
			e.sym.SetSym(i, j, a)
			e.sym.SetSym(i+n, j+n, a)
		}
		for j := 0; j < n; j++ {
			e.sym.SetSym(i, j+n, -imag(cov.At(i, j)))
		}
	}

	if ok := e.es.Factorize(e.sym, true); !ok {
		return nil, ErrFactorization
	}
	e.vals = e.es.Values(e.vals)
	e.es.VectorsTo(&e.vecs)

	basis := make([][]complex128, 0, n)
	candidate := make([]complex128, n)
	for _, floor := range []float64{acceptResidual, rescueResidual} {
		// eigenvalues come back ascending
		for k := 2*n - 1; k >= 0 && len(basis) < n; k-- {
			for t := 0; t < n; t++ {
				candidate[t] = complex(e.vecs.At(t, k), e.vecs.At(t+n, k))
			}
			// orthogonalize twice against the accepted vectors
			for pass := 0; pass < 2; pass++ {
				for _, q := range basis {
					p := dot(q, candidate)
					for t := range candidate {
						candidate[t] -= p * q[t]
					}
				}
			}
			r := norm2(candidate)
			if r <= floor {
				continue
			}
			scale := complex(1/math.Sqrt(r), 0)
			q := make([]complex128, n)
			for t := range candidate {
				q[t] = candidate[t] * scale
			}
			basis = append(basis, q)
		}
		if len(basis) == n {
			break
		}
	}
	if len(basis) < n {
		return nil, ErrBasisDeficient
	}

	pairs := make([]Eigenpair, n)
	for i, q := range basis {
		v := cov.Quadratic(q)
		if math.IsNaN(v) {
			return nil, ErrNonFinite
		}
		// clamp numerical noise below zero
		if v < 0 {
			v = 0
		}
		pairs[i] = Eigenpair{Value: v, Vector: q}
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].Value > pairs[j].Value })

	return &Decomposition{Pairs: pairs}, nil
}
