// internal/klt/taper.go
package klt

import (
	"fmt"
	"math"
	"strings"

	"github.com/ColonelBlimp/kltdet/internal/errkind"
)

// ErrInvalidTaper indicates an unknown taper name
var ErrInvalidTaper = fmt.Errorf("%w: taper must be none or flattop", errkind.ErrInvalidParameter)

// Taper selects the weighting applied to each window before its covariance
// and coefficients are computed.
type Taper int

const (
	TaperNone Taper = iota
	TaperFlatTop
)

// HFT90D coefficients
var flatTopCoeffs = [...]float64{1, -1.942604, 1.340318, -0.440811, 0.043097}

// ParseTaper parses "none" or "flattop". An empty string means none.
func ParseTaper(s string) (Taper, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TaperNone, nil
	case "flattop", "flat_top", "hft90d":
		return TaperFlatTop, nil
	default:
		return TaperNone, fmt.Errorf("%q: %w", s, ErrInvalidTaper)
	}
}

func (t Taper) String() string {
	switch t {
	case TaperNone:
		return "none"
	case TaperFlatTop:
		return "flattop"
	default:
		return fmt.Sprintf("Taper(%d)", int(t))
	}
}

// FlatTop returns n weights of the HFT90D flat-top window,
// w[i] = sum_k a_k cos(2*pi*k*i/n). w[0] is zero and the peak sits at n/2.
func FlatTop(n int) []float64 {
	w := make([]float64, n)
	z1 := 2 * math.Pi / float64(n)
	for i := range w {
		z := z1 * float64(i)
		var acc float64
		for k, a := range flatTopCoeffs {
			acc += a * math.Cos(float64(k)*z)
		}
		w[i] = acc
	}
	return w
}

// weights returns the taper for a window of n samples, or nil for none.
func (t Taper) weights(n int) []float64 {
	if t == TaperFlatTop {
		return FlatTop(n)
	}
	return nil
}

// apply returns w with every sample scaled by weights. w is not modified.
func apply(w Window, weights []float64) Window {
	out := w
	out.samples = make([]complex128, len(w.samples))
	for i, x := range w.samples {
		out.samples[i] = x * complex(weights[i], 0)
	}
	return out
}
