// internal/thin/thin.go

// Package thin reduces a detection set by merging consecutive events.
package thin

import (
	"context"
	"fmt"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/ColonelBlimp/kltdet/internal/detect"
	"github.com/ColonelBlimp/kltdet/internal/errkind"
)

var (
	// ErrInvalidStride indicates the stride must be at least 1
	ErrInvalidStride = fmt.Errorf("%w: stride must be at least 1", errkind.ErrInvalidParameter)
	// ErrInvalidCount indicates the count cap must be non-negative
	ErrInvalidCount = fmt.Errorf("%w: count must be non-negative", errkind.ErrInvalidParameter)
	// ErrInvalidStart indicates the start time must be finite
	ErrInvalidStart = fmt.Errorf("%w: start time must be finite", errkind.ErrInvalidParameter)
)

// Options control a thinning pass.
type Options struct {
	// Stride is how many consecutive events merge into one (from config: thin_stride)
	Stride int
	// Start skips events that end before this time when set
	Start *float64
	// Count caps the number of output events when positive (from config: thin_count)
	Count int
}

// Validate checks the options.
func (o Options) Validate() error {
	if o.Stride < 1 {
		return ErrInvalidStride
	}
	if o.Count < 0 {
		return ErrInvalidCount
	}
	if o.Start != nil && (math.IsNaN(*o.Start) || math.IsInf(*o.Start, 0)) {
		return ErrInvalidStart
	}
	return nil
}

// Thin merges every Stride consecutive events of set into one spanning
// [min start, max end] with the largest peak and the widest frequency
// bounds. A short final block is merged as is. The input is not modified.
// Without Start and Count the output holds exactly ceil(n/Stride) events.
func Thin(set detect.Set, opts Options) (detect.Set, error) {
	if err := opts.Validate(); err != nil {
		return detect.Set{}, err
	}

	events := set.Events
	if opts.Start != nil {
		// events are ordered by start, so with several sub-bands an early
		// ending event can follow a kept one
		events = make([]detect.Event, 0, len(set.Events))
		for _, ev := range set.Events {
			if ev.EndTime >= *opts.Start {
				events = append(events, ev)
			}
		}
	}

	n := (len(events) + opts.Stride - 1) / opts.Stride
	if opts.Count > 0 {
		n = min(n, opts.Count)
	}

	out := detect.Set{
		Band:     set.Band,
		SubBands: set.SubBands,
		Stride:   max(set.Stride, 1) * opts.Stride,
		Events:   make([]detect.Event, 0, n),
	}
	for b := 0; b < n; b++ {
		block := events[b*opts.Stride : min((b+1)*opts.Stride, len(events))]
		out.Events = append(out.Events, merge(block))
	}
	return out, nil
}

// merge collapses a non-empty block of events into one.
func merge(block []detect.Event) detect.Event {
	m := block[0]
	for _, ev := range block[1:] {
		m.StartTime = math.Min(m.StartTime, ev.StartTime)
		m.EndTime = math.Max(m.EndTime, ev.EndTime)
		m.FreqLo = math.Min(m.FreqLo, ev.FreqLo)
		m.FreqHi = math.Max(m.FreqHi, ev.FreqHi)
		if ev.PeakEnergy > m.PeakEnergy {
			m.PeakEnergy = ev.PeakEnergy
			m.SubBand = ev.SubBand
		}
	}
	return m
}

// Many thins set at several strides concurrently, sharing Start and Count
// from base. Results are returned in the order of strides.
func Many(ctx context.Context, set detect.Set, base Options, strides ...int) ([]detect.Set, error) {
	out := make([]detect.Set, len(strides))
	g, ctx := errgroup.WithContext(ctx)
	for i, s := range strides {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			opts := base
			opts.Stride = s
			res, err := Thin(set, opts)
			if err != nil {
				return fmt.Errorf("stride %d: %w", s, err)
			}
			out[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
