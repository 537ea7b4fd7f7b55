// internal/source/tone.go
package source

import (
	"context"
	"errors"
	"io"
	"math"
	"math/rand/v2"
)

var (
	// ErrInvalidSampleRate indicates the synthetic sample rate must be positive
	ErrInvalidSampleRate = errors.New("sample rate must be positive")
	// ErrInvalidDuration indicates the synthetic duration must be positive
	ErrInvalidDuration = errors.New("duration must be positive")
	// ErrInvalidNoise indicates the noise level must be non-negative
	ErrInvalidNoise = errors.New("noise level must be non-negative")
)

// Tone is a complex exponential active over [Start, Stop) seconds.
// Stop <= Start means the tone runs to the end of the capture.
type Tone struct {
	Frequency float64 // Hz, signed
	Amplitude float64
	Start     float64
	Stop      float64
}

// ToneConfig describes a synthetic capture: tones over complex white Gaussian noise.
type ToneConfig struct {
	SampleRate float64 // Hz
	Duration   float64 // seconds
	Tones      []Tone
	// NoiseLevel is the RMS magnitude of the complex noise (variance NoiseLevel^2 split over I and Q)
	NoiseLevel float64
	Seed       uint64
}

// ToneSource generates a synthetic capture lazily. It is a stand-in for the
// external channel simulator and models no propagation effects.
type ToneSource struct {
	cfg   ToneConfig
	total int
	pos   int
	rng   *rand.Rand
	sigma float64
}

// NewToneSource validates cfg and returns a generator. Identical configs
// (including Seed) produce identical sample streams.
func NewToneSource(cfg ToneConfig) (*ToneSource, error) {
	if cfg.SampleRate <= 0 {
		return nil, ErrInvalidSampleRate
	}
	if cfg.Duration <= 0 {
		return nil, ErrInvalidDuration
	}
	if cfg.NoiseLevel < 0 {
		return nil, ErrInvalidNoise
	}
	return &ToneSource{
		cfg:   cfg,
		total: int(math.Round(cfg.Duration * cfg.SampleRate)),
		rng:   rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		sigma: cfg.NoiseLevel / math.Sqrt2,
	}, nil
}

// Len returns the total number of samples the source produces.
func (s *ToneSource) Len() int {
	return s.total
}

func (s *ToneSource) ReadSamples(ctx context.Context, dst []complex128) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.pos >= s.total {
		return 0, io.EOF
	}
	n := min(len(dst), s.total-s.pos)
	for i := 0; i < n; i++ {
		dst[i] = s.sample(s.pos + i)
	}
	s.pos += n
	if s.pos >= s.total {
		return n, io.EOF
	}
	return n, nil
}

func (s *ToneSource) sample(idx int) complex128 {
	t := float64(idx) / s.cfg.SampleRate
	var v complex128
	for _, tone := range s.cfg.Tones {
		if t < tone.Start || (tone.Stop > tone.Start && t >= tone.Stop) {
			continue
		}
		phase := 2 * math.Pi * tone.Frequency * t
		v += complex(tone.Amplitude*math.Cos(phase), tone.Amplitude*math.Sin(phase))
	}
	if s.sigma > 0 {
		v += complex(s.rng.NormFloat64()*s.sigma, s.rng.NormFloat64()*s.sigma)
	}
	return v
}
