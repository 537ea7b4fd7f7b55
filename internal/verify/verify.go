// internal/verify/verify.go

// Package verify is the opt-in invariant checking mode. It is switched on
// by acquiring a Scope and off by releasing it; scopes nest, and checking
// stays on until every scope has been released. While off, every check is
// a no-op returning nil.
package verify

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/ColonelBlimp/kltdet/internal/detect"
	"github.com/ColonelBlimp/kltdet/internal/klt"
)

// Tolerance bounds eigenvector orthonormality errors.
const Tolerance = 1e-6

// ErrViolation indicates an invariant did not hold.
var ErrViolation = errors.New("invariant violation")

var (
	depth      atomic.Int32
	checks     atomic.Int64
	violations atomic.Int64
)

// Scope is one holder of verification mode.
type Scope struct {
	released atomic.Bool
}

// Enable switches verification on and returns the scope that keeps it on.
func Enable() *Scope {
	depth.Add(1)
	return &Scope{}
}

// Disable releases the scope. Releasing a scope more than once has no
// further effect, so a deferred Disable is always safe.
func (s *Scope) Disable() {
	if s.released.CompareAndSwap(false, true) {
		depth.Add(-1)
	}
}

// Enabled reports whether any scope is held.
func Enabled() bool {
	return depth.Load() > 0
}

// Counts is a snapshot of the check counters.
type Counts struct {
	Checks     int64
	Violations int64
}

// Snapshot returns the counters accumulated since the last ResetCounts.
func Snapshot() Counts {
	return Counts{Checks: checks.Load(), Violations: violations.Load()}
}

// ResetCounts zeroes the counters.
func ResetCounts() {
	checks.Store(0)
	violations.Store(0)
}

func record(what string, err error) error {
	checks.Add(1)
	if err == nil {
		return nil
	}
	violations.Add(1)
	return fmt.Errorf("%w: %s: %w", ErrViolation, what, err)
}

// Decomposition checks eigenvalue order and sign and eigenvector
// orthonormality.
func Decomposition(dec *klt.Decomposition) error {
	if !Enabled() {
		return nil
	}
	return record("decomposition", dec.Check(Tolerance))
}

// Frame checks that a frame's fields agree in length, its energies are
// non-negative and its frequencies lie in [-fs/2, fs/2).
func Frame(f klt.Frame, sampleRate float64) error {
	if !Enabled() {
		return nil
	}
	var err error
	n := len(f.Coeffs)
	switch {
	case len(f.Energy) != n || len(f.Values) != n || len(f.Freqs) != n:
		err = fmt.Errorf("frame %d: field lengths %d/%d/%d/%d", f.Index, n, len(f.Energy), len(f.Values), len(f.Freqs))
	default:
		for k := 0; k < n && err == nil; k++ {
			if !(f.Energy[k] >= 0) {
				err = fmt.Errorf("frame %d: energy %d is %v", f.Index, k, f.Energy[k])
			} else if f.Freqs[k] < -sampleRate/2 || f.Freqs[k] >= sampleRate/2 {
				err = fmt.Errorf("frame %d: frequency %d is %v", f.Index, k, f.Freqs[k])
			}
		}
	}
	return record("frame", err)
}

// FrameOrder checks that next follows prev in the stream.
func FrameOrder(prev, next klt.Frame) error {
	if !Enabled() {
		return nil
	}
	var err error
	if next.Index <= prev.Index || next.Time < prev.Time {
		err = fmt.Errorf("frame %d at %v follows frame %d at %v", next.Index, next.Time, prev.Index, prev.Time)
	}
	return record("frame order", err)
}

// Event checks that a finalized event is well formed and inside band.
func Event(ev detect.Event, band detect.Band) error {
	if !Enabled() {
		return nil
	}
	var err error
	switch {
	case math.IsNaN(ev.StartTime) || math.IsNaN(ev.EndTime) || ev.EndTime < ev.StartTime:
		err = fmt.Errorf("event times [%v, %v]", ev.StartTime, ev.EndTime)
	case ev.FreqHi < ev.FreqLo || !band.Contains(ev.FreqLo) || !band.Contains(ev.FreqHi):
		err = fmt.Errorf("event frequencies [%v, %v] outside band %s", ev.FreqLo, ev.FreqHi, band)
	case ev.PeakEnergy < 0:
		err = fmt.Errorf("event peak energy %v", ev.PeakEnergy)
	}
	return record("event", err)
}

// Set checks that a detection set is ordered by start time and every event
// is well formed.
func Set(set detect.Set) error {
	if !Enabled() {
		return nil
	}
	var errs []error
	for i, ev := range set.Events {
		if err := Event(ev, set.Band); err != nil {
			errs = append(errs, fmt.Errorf("event %d: %w", i, err))
		}
		if i > 0 && ev.StartTime < set.Events[i-1].StartTime {
			errs = append(errs, record("set order", fmt.Errorf("event %d starts before event %d", i, i-1)))
		}
	}
	return errors.Join(errs...)
}
