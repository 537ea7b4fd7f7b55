// internal/dsp/bandpower.go
package dsp

import (
	"errors"
	"fmt"
	"math"

	"github.com/ColonelBlimp/kltdet/internal/errkind"
	"github.com/ColonelBlimp/kltdet/internal/klt"
)

var (
	// ErrNoCentres indicates at least one measurement frequency is required
	ErrNoCentres = fmt.Errorf("%w: band power needs at least one centre frequency", errkind.ErrInvalidParameter)
	// ErrShortWindow indicates the window is shorter than the configured window length
	ErrShortWindow = errors.New("window shorter than band power block size")
)

// BandPowerConfig configures the reference detector front end.
type BandPowerConfig struct {
	// SampleRate is the complex sample rate in Hz (from config: sample_rate)
	SampleRate float64
	// WindowLen is the number of samples measured per window (from config: window_len)
	WindowLen int
	// Centres are the frequencies measured in each window, normally one per sub-band
	Centres []float64
}

// BandPower measures the power at fixed frequencies in each window and packs
// it into a klt.Frame, so the detector can run on the raw capture without
// the eigen stage. It is the baseline the KLT detections are compared
// against.
type BandPower struct {
	config  BandPowerConfig
	filters []*Goertzel
	remap   klt.TimeRemap
}

// NewBandPower creates one Goertzel filter per centre frequency.
func NewBandPower(cfg BandPowerConfig) (*BandPower, error) {
	if len(cfg.Centres) == 0 {
		return nil, ErrNoCentres
	}
	filters := make([]*Goertzel, len(cfg.Centres))
	for i, f := range cfg.Centres {
		g, err := NewGoertzel(GoertzelConfig{
			TargetFrequency: f,
			SampleRate:      cfg.SampleRate,
			BlockSize:       cfg.WindowLen,
		})
		if err != nil {
			return nil, fmt.Errorf("centre %d (%g Hz): %w", i, f, err)
		}
		filters[i] = g
	}
	return &BandPower{config: cfg, filters: filters}, nil
}

// SetRemap sets the time remap applied to every frame.
func (b *BandPower) SetRemap(r klt.TimeRemap) {
	b.remap = r
}

// Frame measures w. Entry k of the frame corresponds to Centres[k]: Energy is
// the Goertzel power, Values the mean power per sample and Coeffs a complex
// value whose squared magnitude is the energy.
func (b *BandPower) Frame(w klt.Window) (klt.Frame, error) {
	n := b.config.WindowLen
	if w.Len() < n {
		return klt.Frame{}, ErrShortWindow
	}
	samples := w.Samples()

	k := len(b.filters)
	f := klt.Frame{
		Index:  w.Index,
		Time:   b.remap.Apply(w.Time),
		Coeffs: make([]complex128, k),
		Energy: make([]float64, k),
		Values: make([]float64, k),
		Freqs:  make([]float64, k),
	}
	for i, g := range b.filters {
		p := g.PowerNoAlloc(samples)
		f.Coeffs[i] = complex(math.Sqrt(p), 0)
		f.Energy[i] = p
		f.Values[i] = p / float64(n)
		f.Freqs[i] = g.Config().TargetFrequency
	}
	return f, nil
}

// Centres returns the measured frequencies.
func (b *BandPower) Centres() []float64 {
	return append([]float64(nil), b.config.Centres...)
}
