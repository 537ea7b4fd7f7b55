// internal/detect/threshold.go
package detect

import (
	"fmt"
	"math"

	"github.com/ColonelBlimp/kltdet/internal/errkind"
)

var (
	// ErrInvalidLevel indicates a fixed threshold must be finite and non-negative
	ErrInvalidLevel = fmt.Errorf("%w: threshold must be finite and non-negative", errkind.ErrInvalidParameter)
	// ErrInvalidFactor indicates the noise-floor factor must be positive
	ErrInvalidFactor = fmt.Errorf("%w: threshold factor must be positive", errkind.ErrInvalidParameter)
	// ErrInvalidAlpha indicates the noise-floor smoothing must be in (0, 1]
	ErrInvalidAlpha = fmt.Errorf("%w: noise alpha must be in (0, 1]", errkind.ErrInvalidParameter)
	// ErrInvalidWarmup indicates the warmup frame count must be non-negative
	ErrInvalidWarmup = fmt.Errorf("%w: warmup frames must be non-negative", errkind.ErrInvalidParameter)
)

// Policy produces the per-sub-band threshold trackers of a detector.
type Policy interface {
	// Validate checks the policy parameters.
	Validate() error
	// Tracker returns fresh state for one sub-band.
	Tracker() Tracker
}

// Tracker yields the threshold for successive frames of one sub-band.
type Tracker interface {
	// Level returns the threshold for a frame with the given in-band energy.
	// ready is false while the tracker is still calibrating; no transition
	// may happen on such frames. active reports whether the sub-band is
	// currently inside an event.
	Level(energy float64, active bool) (level float64, ready bool)
}

// Fixed is a constant threshold.
type Fixed struct {
	Level float64
}

func (f Fixed) Validate() error {
	if math.IsNaN(f.Level) || math.IsInf(f.Level, 0) || f.Level < 0 {
		return ErrInvalidLevel
	}
	return nil
}

func (f Fixed) Tracker() Tracker {
	return fixedTracker(f.Level)
}

type fixedTracker float64

func (t fixedTracker) Level(float64, bool) (float64, bool) {
	return float64(t), true
}

// NoiseFloor tracks the idle in-band energy with an exponential average and
// sets the threshold at Factor times that floor. The first Warmup frames only
// calibrate the floor (their plain mean seeds it) and never trigger. The
// floor freezes while the sub-band is active or the frame exceeds the
// threshold, so a signal does not raise its own threshold.
type NoiseFloor struct {
	Factor float64
	Alpha  float64
	Warmup int
}

func (n NoiseFloor) Validate() error {
	if !(n.Factor > 0) || math.IsInf(n.Factor, 0) {
		return ErrInvalidFactor
	}
	if !(n.Alpha > 0 && n.Alpha <= 1) {
		return ErrInvalidAlpha
	}
	if n.Warmup < 0 {
		return ErrInvalidWarmup
	}
	return nil
}

func (n NoiseFloor) Tracker() Tracker {
	return &floorTracker{cfg: n}
}

type floorTracker struct {
	cfg   NoiseFloor
	seen  int
	floor float64
}

func (t *floorTracker) Level(energy float64, active bool) (float64, bool) {
	if t.seen < t.cfg.Warmup {
		t.seen++
		t.floor += (energy - t.floor) / float64(t.seen)
		return t.level(), false
	}
	if t.seen == 0 {
		// no warmup: the first frame seeds the floor
		t.seen++
		t.floor = energy
		return t.level(), true
	}
	level := t.level()
	if !active && energy < level {
		t.floor += t.cfg.Alpha * (energy - t.floor)
	}
	return level, true
}

// level never drops to zero, so a silent sub-band stays idle.
func (t *floorTracker) level() float64 {
	return math.Max(t.cfg.Factor*t.floor, math.SmallestNonzeroFloat64)
}
