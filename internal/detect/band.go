// internal/detect/band.go
package detect

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/ColonelBlimp/kltdet/internal/errkind"
)

var (
	// ErrMalformedBand indicates the band spec is not two numbers separated by '|' or ','
	ErrMalformedBand = fmt.Errorf("%w: band must be two numbers separated by '|' or ','", errkind.ErrInvalidParameter)
	// ErrNonFiniteBand indicates a band bound is NaN or infinite
	ErrNonFiniteBand = fmt.Errorf("%w: band bounds must be finite", errkind.ErrInvalidParameter)
	// ErrEmptyBand indicates both band bounds are equal
	ErrEmptyBand = fmt.Errorf("%w: band is empty", errkind.ErrInvalidParameter)
	// ErrInvalidSubBands indicates the sub-band count must be at least 1
	ErrInvalidSubBands = fmt.Errorf("%w: sub-band count must be at least 1", errkind.ErrInvalidParameter)
)

// Band is a frequency interval in Hz with Lo < Hi. Frequencies are signed
// baseband offsets, so either bound may be negative.
type Band struct {
	Lo float64 `yaml:"lo"`
	Hi float64 `yaml:"hi"`
}

// ParseBand parses "a|b" (or "a,b") into a Band. The bounds may come in
// either order; "100e9|-50e9" is the band [-50e9, 100e9].
func ParseBand(spec string) (Band, error) {
	parts := strings.FieldsFunc(spec, func(r rune) bool { return r == '|' || r == ',' })
	if len(parts) != 2 || strings.Count(spec, "|")+strings.Count(spec, ",") != 1 {
		return Band{}, fmt.Errorf("%q: %w", spec, ErrMalformedBand)
	}
	var bounds [2]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return Band{}, fmt.Errorf("%q: %w", spec, ErrMalformedBand)
		}
		bounds[i] = v
	}
	return NewBand(bounds[0], bounds[1])
}

// NewBand normalizes two bounds into a Band.
func NewBand(a, b float64) (Band, error) {
	if math.IsNaN(a) || math.IsNaN(b) || math.IsInf(a, 0) || math.IsInf(b, 0) {
		return Band{}, ErrNonFiniteBand
	}
	if a == b {
		return Band{}, ErrEmptyBand
	}
	return Band{Lo: math.Min(a, b), Hi: math.Max(a, b)}, nil
}

// Width returns Hi - Lo.
func (b Band) Width() float64 {
	return b.Hi - b.Lo
}

// Centre returns the middle of the band.
func (b Band) Centre() float64 {
	return b.Lo + b.Width()/2
}

// Contains reports whether f lies in [Lo, Hi].
func (b Band) Contains(f float64) bool {
	return f >= b.Lo && f <= b.Hi
}

// Split divides the band into n equal, adjacent sub-bands.
func (b Band) Split(n int) ([]Band, error) {
	if n < 1 {
		return nil, ErrInvalidSubBands
	}
	out := make([]Band, n)
	w := b.Width() / float64(n)
	for i := range out {
		out[i] = Band{Lo: b.Lo + float64(i)*w, Hi: b.Lo + float64(i+1)*w}
	}
	// pin the outer edge so rounding cannot leave a gap
	out[n-1].Hi = b.Hi
	return out, nil
}

// SubBand returns the index of the sub-band of an n-way split holding f,
// or -1 when f is outside the band. Interior edges belong to the upper
// sub-band; Hi belongs to the last one.
func (b Band) SubBand(f float64, n int) int {
	if n < 1 || !b.Contains(f) {
		return -1
	}
	i := int(math.Floor((f - b.Lo) / b.Width() * float64(n)))
	return min(max(i, 0), n-1)
}

// String formats the band the way ParseBand reads it.
func (b Band) String() string {
	return strconv.FormatFloat(b.Lo, 'g', -1, 64) + "|" + strconv.FormatFloat(b.Hi, 'g', -1, 64)
}
