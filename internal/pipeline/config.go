// internal/pipeline/config.go

// Package pipeline wires the detector stages into a bounded, concurrent
// stream: windowing, decomposition workers, ordered projection, detection.
package pipeline

import (
	"errors"
	"fmt"
	"math"

	"github.com/ColonelBlimp/kltdet/internal/detect"
	"github.com/ColonelBlimp/kltdet/internal/errkind"
	"github.com/ColonelBlimp/kltdet/internal/klt"
)

var (
	// ErrInvalidSampleRate indicates the sample rate must be positive
	ErrInvalidSampleRate = fmt.Errorf("%w: sample rate must be positive", errkind.ErrInvalidParameter)
	// ErrInvalidNumEig indicates num_eig must be between 1 and the window length
	ErrInvalidNumEig = fmt.Errorf("%w: num_eig must be between 1 and the window length", errkind.ErrInvalidParameter)
	// ErrInvalidOrder indicates the covariance order must be between 1 and the window length
	ErrInvalidOrder = fmt.Errorf("%w: acm_order must be between 1 and the window length", errkind.ErrInvalidParameter)
	// ErrInvalidBasisOverlap indicates basis overlap must be in [0, 1)
	ErrInvalidBasisOverlap = fmt.Errorf("%w: basis overlap must be in [0, 1)", errkind.ErrInvalidParameter)
	// ErrInvalidTimeScale indicates the time remap scale must be positive
	ErrInvalidTimeScale = fmt.Errorf("%w: time scale must be positive", errkind.ErrInvalidParameter)
	// ErrInvalidWorkers indicates at least one decomposition worker is required
	ErrInvalidWorkers = fmt.Errorf("%w: workers must be at least 1", errkind.ErrInvalidParameter)
	// ErrInvalidQueueDepth indicates stage queues need room for at least one window
	ErrInvalidQueueDepth = fmt.Errorf("%w: queue depth must be at least 1", errkind.ErrInvalidParameter)
)

// Config holds the typed pipeline parameters.
type Config struct {
	// SampleRate is the complex sample rate in Hz (from config: sample_rate)
	SampleRate float64
	// WindowLen is klen, samples per window (from config: window_len)
	WindowLen int
	// Overlap is the window overlap fraction in [0, 1) (from config: overlap)
	Overlap float64
	// Order is the covariance order; 0 means WindowLen (from config: acm_order)
	Order int
	// NumEig is the number of retained eigen-directions (from config: num_eig)
	NumEig int
	// BasisOverlap sets how much of each weighted basis function the basis
	// output drops (from config: basis_overlap)
	BasisOverlap float64
	// Remap is applied to every frame time (from config: time_scale, time_offset)
	Remap klt.TimeRemap
	// Taper weights each window before decomposition (from config: window)
	Taper klt.Taper
	// NormalizeEigenvalues scales frame eigenvalues by the largest retained
	// one (from config: normalize_eigenvalues)
	NormalizeEigenvalues bool
	// Detect configures the detector (band, sub-bands, threshold, hysteresis)
	Detect detect.Config
	// Workers is the number of concurrent decomposition workers (from config: workers)
	Workers int
	// QueueDepth bounds every inter-stage queue (from config: queue_depth)
	QueueDepth int
}

// Validate checks the transform parameters. Detector parameters are checked
// separately by the operations that detect.
func (c Config) Validate() error {
	var errs []error
	if !(c.SampleRate > 0) || math.IsInf(c.SampleRate, 0) {
		errs = append(errs, ErrInvalidSampleRate)
	}
	if c.WindowLen < 1 {
		errs = append(errs, klt.ErrInvalidWindowLen)
	}
	if c.Overlap < 0 || c.Overlap >= 1 || math.IsNaN(c.Overlap) {
		errs = append(errs, klt.ErrInvalidOverlap)
	}
	if c.NumEig < 1 || (c.WindowLen >= 1 && c.NumEig > c.WindowLen) {
		errs = append(errs, ErrInvalidNumEig)
	}
	if c.Order < 0 || c.Order > c.WindowLen {
		errs = append(errs, ErrInvalidOrder)
	}
	if c.BasisOverlap < 0 || c.BasisOverlap >= 1 || math.IsNaN(c.BasisOverlap) {
		errs = append(errs, ErrInvalidBasisOverlap)
	}
	if c.Remap.Scale < 0 || math.IsNaN(c.Remap.Scale) || math.IsInf(c.Remap.Scale, 0) ||
		math.IsNaN(c.Remap.Offset) || math.IsInf(c.Remap.Offset, 0) {
		errs = append(errs, ErrInvalidTimeScale)
	}
	if c.Taper != klt.TaperNone && c.Taper != klt.TaperFlatTop {
		errs = append(errs, klt.ErrInvalidTaper)
	}
	if c.Workers < 1 {
		errs = append(errs, ErrInvalidWorkers)
	}
	if c.QueueDepth < 1 {
		errs = append(errs, ErrInvalidQueueDepth)
	}
	return errors.Join(errs...)
}

// EffectiveOrder returns the covariance order in use.
func (c Config) EffectiveOrder() int {
	if c.Order == 0 {
		return c.WindowLen
	}
	return c.Order
}

// FastPath reports whether the single-direction power iteration is used.
func (c Config) FastPath() bool {
	return c.NumEig == 1
}

// Default returns the configuration the CLI starts from.
func Default() Config {
	return Config{
		SampleRate: 48000,
		WindowLen:  32,
		Overlap:    0.5,
		NumEig:     1,

		NormalizeEigenvalues: true,
		Detect: detect.Config{
			Band:       detect.Band{Lo: -24000, Hi: 24000},
			SubBands:   1,
			Threshold:  detect.Fixed{Level: 4},
			Hysteresis: 1,
		},
		Workers:    4,
		QueueDepth: 64,
	}
}
