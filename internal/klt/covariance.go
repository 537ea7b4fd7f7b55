// internal/klt/covariance.go
package klt

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/ColonelBlimp/kltdet/internal/errkind"
)

var (
	// ErrInvalidOrder indicates the covariance order must be in [1, window length]
	ErrInvalidOrder = fmt.Errorf("%w: covariance order must be between 1 and the window length", errkind.ErrInvalidParameter)
	// ErrNonFinite indicates the window contains NaN or infinite samples
	ErrNonFinite = fmt.Errorf("%w: non-finite sample in window", errkind.ErrDecomposition)
)

// Covariance is the Hermitian Toeplitz autocorrelation matrix of one window.
//
// The estimator is the biased lag autocorrelation
//
//	r[k] = (1/klen) * sum_{n=0}^{klen-1-k} x[n+k] * conj(x[n])
//
// arranged as C[i][j] = r[i-j] for i >= j and conj(r[j-i]) above the diagonal.
// The biased form keeps C positive semi-definite. Only r is stored.
type Covariance struct {
	lags []complex128
}

// NewCovariance estimates the order x order covariance of samples.
func NewCovariance(samples []complex128, order int) (*Covariance, error) {
	if order < 1 || order > len(samples) {
		return nil, ErrInvalidOrder
	}
	for _, s := range samples {
		if cmplx.IsNaN(s) || cmplx.IsInf(s) {
			return nil, ErrNonFinite
		}
	}
	return &Covariance{lags: Autocorrelation(samples, order)}, nil
}

// Autocorrelation returns the biased lag estimates r[0..order-1] of x.
func Autocorrelation(x []complex128, order int) []complex128 {
	n := len(x)
	scale := 1 / float64(n)
	r := make([]complex128, order)
	for k := 0; k < order; k++ {
		var acc complex128
		for i := 0; i < n-k; i++ {
			acc += x[i+k] * cmplx.Conj(x[i])
		}
		r[k] = acc * complex(scale, 0)
	}
	return r
}

// Order returns the matrix dimension.
func (c *Covariance) Order() int {
	return len(c.lags)
}

// Lags returns a copy of the autocorrelation lags.
func (c *Covariance) Lags() []complex128 {
	return append([]complex128(nil), c.lags...)
}

// At returns C[i][j].
func (c *Covariance) At(i, j int) complex128 {
	if i >= j {
		return c.lags[i-j]
	}
	return cmplx.Conj(c.lags[j-i])
}

// MulVec sets dst = C*v. dst and v must not alias.
func (c *Covariance) MulVec(dst, v []complex128) {
	n := len(c.lags)
	for i := 0; i < n; i++ {
		var acc complex128
		for j := 0; j < n; j++ {
			acc += c.At(i, j) * v[j]
		}
		dst[i] = acc
	}
}

// Quadratic returns Re(v^H C v).
func (c *Covariance) Quadratic(v []complex128) float64 {
	cv := make([]complex128, len(v))
	c.MulVec(cv, v)
	return real(dot(v, cv))
}

func (c *Covariance) finite() bool {
	for _, r := range c.lags {
		if math.IsNaN(real(r)) || math.IsNaN(imag(r)) || math.IsInf(real(r), 0) || math.IsInf(imag(r), 0) {
			return false
		}
	}
	return true
}

// dot returns a^H b.
func dot(a, b []complex128) complex128 {
	var acc complex128
	for i := range a {
		acc += cmplx.Conj(a[i]) * b[i]
	}
	return acc
}

func norm2(a []complex128) float64 {
	var acc float64
	for _, v := range a {
		acc += real(v)*real(v) + imag(v)*imag(v)
	}
	return acc
}
