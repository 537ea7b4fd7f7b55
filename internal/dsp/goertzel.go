// internal/dsp/goertzel.go
package dsp

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/ColonelBlimp/kltdet/internal/errkind"
)

var (
	// ErrInvalidBlockSize indicates block size must be positive
	ErrInvalidBlockSize = fmt.Errorf("%w: block size must be positive", errkind.ErrInvalidParameter)
	// ErrInvalidSampleRate indicates sample rate must be positive
	ErrInvalidSampleRate = fmt.Errorf("%w: sample rate must be positive", errkind.ErrInvalidParameter)
	// ErrInvalidFrequency indicates frequency must lie in [-fs/2, fs/2)
	ErrInvalidFrequency = fmt.Errorf("%w: target frequency must be finite and within [-fs/2, fs/2)", errkind.ErrInvalidParameter)
	// ErrInsufficientSamples indicates not enough samples for the configured block size
	ErrInsufficientSamples = fmt.Errorf("%w: fewer samples than block size", errkind.ErrInsufficientSamples)
)

// GoertzelConfig holds configuration for the Goertzel algorithm.
type GoertzelConfig struct {
	// TargetFrequency is the signed baseband frequency to measure in Hz
	TargetFrequency float64
	// SampleRate is the complex sample rate in Hz (from config: sample_rate)
	SampleRate float64
	// BlockSize is the number of samples per measurement (from config: window_len)
	BlockSize int
}

// Goertzel evaluates a single DFT bin of complex baseband samples.
// Unlike the real-input form, the bin may sit anywhere in [-fs/2, fs/2)
// and need not be an integer multiple of fs/BlockSize.
type Goertzel struct {
	config      GoertzelConfig
	coefficient float64    // Pre-computed: 2 * cos(omega)
	twiddle     complex128 // Pre-computed: exp(-j*omega)
}

// NewGoertzel creates a new Goertzel filter with the given configuration.
// Returns an error if the configuration is invalid.
func NewGoertzel(cfg GoertzelConfig) (*Goertzel, error) {
	if cfg.BlockSize <= 0 {
		return nil, ErrInvalidBlockSize
	}
	if !(cfg.SampleRate > 0) || math.IsInf(cfg.SampleRate, 0) {
		return nil, ErrInvalidSampleRate
	}
	nyquist := cfg.SampleRate / 2.0
	if math.IsNaN(cfg.TargetFrequency) || cfg.TargetFrequency < -nyquist || cfg.TargetFrequency >= nyquist {
		return nil, ErrInvalidFrequency
	}

	omega := 2.0 * math.Pi * cfg.TargetFrequency / cfg.SampleRate

	return &Goertzel{
		config:      cfg,
		coefficient: 2.0 * math.Cos(omega),
		twiddle:     cmplx.Rect(1, -omega),
	}, nil
}

// Power returns |X(f)|^2 / BlockSize for the first BlockSize samples, where
// X(f) is the DFT of the block at the target frequency. A unit-amplitude
// tone at the target frequency yields BlockSize, the same scale as the
// window energy sum |x|^2.
func (g *Goertzel) Power(samples []complex128) (float64, error) {
	if len(samples) < g.config.BlockSize {
		return 0, ErrInsufficientSamples
	}
	return g.PowerNoAlloc(samples), nil
}

// PowerNoAlloc computes Power without bounds checking.
// Caller MUST ensure samples has at least BlockSize elements.
func (g *Goertzel) PowerNoAlloc(samples []complex128) float64 {
	y := g.bin(samples)
	return (real(y)*real(y) + imag(y)*imag(y)) / float64(g.config.BlockSize)
}

// Magnitude returns |X(f)| / BlockSize, the amplitude of a tone at the
// target frequency (about 1.0 for a unit tone).
func (g *Goertzel) Magnitude(samples []complex128) (float64, error) {
	if len(samples) < g.config.BlockSize {
		return 0, ErrInsufficientSamples
	}
	return cmplx.Abs(g.bin(samples)) / float64(g.config.BlockSize), nil
}

// bin runs the Goertzel recurrence and returns the DFT value up to a unit
// phase factor. The recurrence is linear, so complex input needs no
// special handling.
func (g *Goertzel) bin(samples []complex128) complex128 {
	var s0, s1, s2 complex128
	coeff := complex(g.coefficient, 0)

	for i := 0; i < g.config.BlockSize; i++ {
		s0 = samples[i] + coeff*s1 - s2
		s2 = s1
		s1 = s0
	}

	// y = s[N-1] - exp(-j*omega) * s[N-2]
	return s1 - g.twiddle*s2
}

// Config returns the current configuration (for testing and inspection)
func (g *Goertzel) Config() GoertzelConfig {
	return g.config
}

// Coefficient returns the pre-computed Goertzel coefficient (for testing)
func (g *Goertzel) Coefficient() float64 {
	return g.coefficient
}

// BlockSize returns the configured block size
func (g *Goertzel) BlockSize() int {
	return g.config.BlockSize
}
