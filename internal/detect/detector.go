// internal/detect/detector.go
package detect

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ColonelBlimp/kltdet/internal/errkind"
	"github.com/ColonelBlimp/kltdet/internal/klt"
	"github.com/ColonelBlimp/kltdet/internal/logging"
)

var (
	// ErrInvalidHysteresis indicates hysteresis must be at least one frame
	ErrInvalidHysteresis = fmt.Errorf("%w: hysteresis must be at least 1 frame", errkind.ErrInvalidParameter)
	// ErrPolicyRequired indicates a threshold policy is required
	ErrPolicyRequired = fmt.Errorf("%w: threshold policy is required", errkind.ErrInvalidParameter)
	// ErrFrameOrder indicates a frame arrived earlier than its predecessor
	ErrFrameOrder = errors.New("frame time precedes previous frame")
)

// EventCallback is called when an event is finalized.
// Must be non-blocking and fast - called from the detection goroutine.
type EventCallback func(event Event)

// Config holds configuration for the detector.
type Config struct {
	// Band is the monitored band (from config: band)
	Band Band
	// SubBands is the number of equal sub-bands tracked independently (from config: sub_bands)
	SubBands int
	// Threshold is the threshold policy (from config: threshold_mode and friends)
	Threshold Policy
	// Hysteresis is consecutive frames required to confirm a state change (from config: hysteresis)
	Hysteresis int
}

// Validate checks the detector configuration.
func (c Config) Validate() error {
	if _, err := NewBand(c.Band.Lo, c.Band.Hi); err != nil {
		return err
	}
	if c.SubBands < 1 {
		return ErrInvalidSubBands
	}
	if c.Hysteresis < 1 {
		return ErrInvalidHysteresis
	}
	if c.Threshold == nil {
		return ErrPolicyRequired
	}
	return c.Threshold.Validate()
}

// subBand is the state machine of one sub-band.
type subBand struct {
	band    Band
	tracker Tracker

	active  bool
	pending int     // consecutive frames contradicting the confirmed state
	since   float64 // time of the first pending frame
	current Event   // open event, or the candidate while pending on
}

// Detector turns projected frames into detection events. Each sub-band of
// the band runs an Idle/Active state machine with hysteresis; events of all
// sub-bands merge into one time-ordered set.
//
// Process, Flush and Set are not safe for concurrent use: the detector
// expects a single goroutine feeding it frames in time order.
type Detector struct {
	config   Config
	subs     []subBand
	energy   []float64
	freqLo   []float64
	freqHi   []float64
	events   []Event
	lastTime float64
	frames   int64
	log      logrus.FieldLogger

	// Callback for finalized events (atomic for thread safety)
	callbackPtr atomic.Pointer[EventCallback]
}

// NewDetector creates a detector. A nil logger discards log output.
func NewDetector(cfg Config, log logrus.FieldLogger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}
	bands, err := cfg.Band.Split(cfg.SubBands)
	if err != nil {
		return nil, err
	}
	d := &Detector{
		config: cfg,
		subs:   make([]subBand, len(bands)),
		energy: make([]float64, len(bands)),
		freqLo: make([]float64, len(bands)),
		freqHi: make([]float64, len(bands)),
		log:    log,
	}
	for i, b := range bands {
		d.subs[i] = subBand{band: b, tracker: cfg.Threshold.Tracker()}
	}
	return d, nil
}

// SetCallback sets the callback for finalized events.
func (d *Detector) SetCallback(cb EventCallback) {
	if cb == nil {
		d.callbackPtr.Store(nil)
	} else {
		d.callbackPtr.Store(&cb)
	}
}

// Process feeds one frame. Frames must arrive in non-decreasing time order.
func (d *Detector) Process(f klt.Frame) error {
	if d.frames > 0 && f.Time < d.lastTime {
		return fmt.Errorf("%w: %v after %v", ErrFrameOrder, f.Time, d.lastTime)
	}
	d.frames++
	d.lastTime = f.Time

	for i := range d.subs {
		d.energy[i] = 0
		d.freqLo[i] = math.Inf(1)
		d.freqHi[i] = math.Inf(-1)
	}
	for k, freq := range f.Freqs {
		i := d.config.Band.SubBand(freq, len(d.subs))
		if i < 0 {
			continue
		}
		d.energy[i] += f.Energy[k]
		d.freqLo[i] = math.Min(d.freqLo[i], freq)
		d.freqHi[i] = math.Max(d.freqHi[i], freq)
	}

	for i := range d.subs {
		d.step(i, f.Time)
	}
	return nil
}

// step advances sub-band i by one frame.
func (d *Detector) step(i int, t float64) {
	s := &d.subs[i]
	e := d.energy[i]
	level, ready := s.tracker.Level(e, s.active)
	if !ready {
		return
	}
	above := e >= level

	if !s.active {
		if !above {
			s.pending = 0
			return
		}
		if s.pending == 0 {
			s.since = t
			s.current = Event{
				StartTime: t,
				FreqLo:    math.Inf(1),
				FreqHi:    math.Inf(-1),
				SubBand:   i,
			}
		}
		s.pending++
		d.observe(i)
		if s.pending >= d.config.Hysteresis {
			s.active = true
			s.pending = 0
			d.log.WithFields(logrus.Fields{
				"sub_band": i,
				"time":     s.current.StartTime,
				"energy":   e,
			}).Debug("event opened")
		}
		return
	}

	if above {
		s.pending = 0
		d.observe(i)
		return
	}
	if s.pending == 0 {
		s.since = t
	}
	s.pending++
	if s.pending >= d.config.Hysteresis {
		d.close(i, s.since)
	}
}

// observe folds the current frame into sub-band i's open event.
func (d *Detector) observe(i int) {
	s := &d.subs[i]
	s.current.PeakEnergy = math.Max(s.current.PeakEnergy, d.energy[i])
	s.current.FreqLo = math.Min(s.current.FreqLo, d.freqLo[i])
	s.current.FreqHi = math.Max(s.current.FreqHi, d.freqHi[i])
}

func (d *Detector) close(i int, end float64) {
	s := &d.subs[i]
	ev := s.current
	ev.EndTime = end
	if math.IsInf(ev.FreqLo, 0) || math.IsInf(ev.FreqHi, 0) {
		// only reachable with a zero threshold and no direction in band
		ev.FreqLo, ev.FreqHi = s.band.Lo, s.band.Hi
	}
	s.active = false
	s.pending = 0
	s.current = Event{}
	d.events = append(d.events, ev)

	d.log.WithFields(logrus.Fields{
		"sub_band": i,
		"start":    ev.StartTime,
		"end":      ev.EndTime,
		"peak":     ev.PeakEnergy,
	}).Debug("event closed")

	if cb := d.callbackPtr.Load(); cb != nil {
		(*cb)(ev)
	}
}

// Flush force-closes every open event at the time of the last frame seen,
// or at its first quiet frame when the event was already falling.
// Candidates that never reached the hysteresis count are discarded.
func (d *Detector) Flush() {
	for i := range d.subs {
		s := &d.subs[i]
		if s.active {
			end := d.lastTime
			if s.pending > 0 {
				end = s.since
			}
			d.close(i, end)
			continue
		}
		s.pending = 0
	}
}

// Open returns the number of sub-bands currently inside an event.
func (d *Detector) Open() int {
	n := 0
	for _, s := range d.subs {
		if s.active {
			n++
		}
	}
	return n
}

// Frames returns the number of frames processed.
func (d *Detector) Frames() int64 {
	return d.frames
}

// Set returns the finalized events merged across sub-bands, ordered by start
// time and then sub-band. Open events are not included; call Flush first.
func (d *Detector) Set() Set {
	events := append([]Event(nil), d.events...)
	SortEvents(events)
	return Set{
		Band:     d.config.Band,
		SubBands: len(d.subs),
		Stride:   1,
		Events:   events,
	}
}

// Reset clears all state so the detector can run on a new stream.
func (d *Detector) Reset() {
	for i := range d.subs {
		d.subs[i] = subBand{band: d.subs[i].band, tracker: d.config.Threshold.Tracker()}
	}
	d.events = nil
	d.lastTime = 0
	d.frames = 0
}

// Config returns the current configuration
func (d *Detector) Config() Config {
	return d.config
}

// Run detects over a complete frame sequence and returns the flushed set.
func Run(cfg Config, frames []klt.Frame, log logrus.FieldLogger) (Set, error) {
	d, err := NewDetector(cfg, log)
	if err != nil {
		return Set{}, err
	}
	for _, f := range frames {
		if err := d.Process(f); err != nil {
			d.Flush()
			return d.Set(), err
		}
	}
	d.Flush()
	return d.Set(), nil
}
