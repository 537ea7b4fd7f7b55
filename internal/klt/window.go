// internal/klt/window.go

// Package klt implements the Karhunen-Loeve transform stages of the detector:
// the windowing buffer, the covariance estimator, the Hermitian eigen engine
// and the subspace projector.
package klt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/ColonelBlimp/kltdet/internal/errkind"
	"github.com/ColonelBlimp/kltdet/internal/source"
)

var (
	// ErrInvalidWindowLen indicates the window length must be at least 1
	ErrInvalidWindowLen = fmt.Errorf("%w: window length must be at least 1", errkind.ErrInvalidParameter)
	// ErrInvalidOverlap indicates the overlap fraction must be in [0, 1)
	ErrInvalidOverlap = fmt.Errorf("%w: overlap must be in [0, 1)", errkind.ErrInvalidParameter)
	// ErrInvalidTimeBase indicates the sample period must be positive and finite
	ErrInvalidTimeBase = fmt.Errorf("%w: sample period must be positive", errkind.ErrInvalidParameter)
	// ErrSourceRequired indicates a sample source is required
	ErrSourceRequired = fmt.Errorf("%w: sample source is required", errkind.ErrInvalidParameter)
)

// readChunk is how many samples the windower pulls from its source at a time.
const readChunk = 4096

// TimeBase maps absolute sample indices to seconds.
type TimeBase struct {
	Start float64 // time of sample 0
	Delta float64 // sample period, 1/sample_rate
}

// NewTimeBase returns a time base starting at zero for the given sample rate.
func NewTimeBase(sampleRate float64) TimeBase {
	return TimeBase{Delta: 1 / sampleRate}
}

// At returns the time of sample index.
func (tb TimeBase) At(index int64) float64 {
	return tb.Start + float64(index)*tb.Delta
}

// SampleRate returns 1/Delta.
func (tb TimeBase) SampleRate() float64 {
	return 1 / tb.Delta
}

func (tb TimeBase) validate() error {
	if !(tb.Delta > 0) || math.IsInf(tb.Delta, 0) || math.IsNaN(tb.Start) || math.IsInf(tb.Start, 0) {
		return ErrInvalidTimeBase
	}
	return nil
}

// Window is a contiguous run of samples. It owns a private copy of its
// samples and is never modified after the windower emits it.
type Window struct {
	Index   int64   // absolute index of the first sample
	Time    float64 // time of the first sample
	Overlap float64 // fraction shared with the previous window
	samples []complex128
}

// NewWindow builds a window over a copy of samples.
func NewWindow(index int64, t float64, samples []complex128) Window {
	return Window{Index: index, Time: t, samples: append([]complex128(nil), samples...)}
}

// Len returns the number of samples in the window.
func (w Window) Len() int {
	return len(w.samples)
}

// At returns sample i of the window.
func (w Window) At(i int) complex128 {
	return w.samples[i]
}

// Samples returns a copy of the window's samples.
func (w Window) Samples() []complex128 {
	return append([]complex128(nil), w.samples...)
}

// Energy returns the sum of squared magnitudes of the first n samples.
func (w Window) Energy(n int) float64 {
	var e float64
	for _, s := range w.samples[:n] {
		e += real(s)*real(s) + imag(s)*imag(s)
	}
	return e
}

// TailError reports samples dropped at the end of a stream because they never
// filled a whole window. It wraps errkind.ErrInsufficientSamples.
type TailError struct {
	Dropped int
	Windows int64 // windows emitted before the tail
}

func (e *TailError) Error() string {
	if e.Windows == 0 {
		return fmt.Sprintf("%v: stream of %d samples is shorter than one window", errkind.ErrInsufficientSamples, e.Dropped)
	}
	return fmt.Sprintf("%v: dropped %d tail samples", errkind.ErrInsufficientSamples, e.Dropped)
}

func (e *TailError) Unwrap() error {
	return errkind.ErrInsufficientSamples
}

// Step returns the advance between consecutive windows: max(1, round(klen*(1-olap))).
func Step(klen int, olap float64) int {
	return max(1, int(math.Round(float64(klen)*(1-olap))))
}

// Windower slices a sample stream into overlapping fixed-length windows.
// It is restartable only by building a new Windower on a fresh source.
type Windower struct {
	src  source.Source
	klen int
	step int
	olap float64
	tb   TimeBase

	buf      []complex128 // buffered samples starting at index next
	next     int64        // start index of the next window
	received int64        // samples read from the source so far
	covered  int64        // end (exclusive) of the last emitted window
	emitted  int64
	chunk    []complex128
	eof      bool
	done     bool
}

// NewWindower validates the parameters and returns a windower over src.
func NewWindower(src source.Source, klen int, olap float64, tb TimeBase) (*Windower, error) {
	if src == nil {
		return nil, ErrSourceRequired
	}
	if klen < 1 {
		return nil, ErrInvalidWindowLen
	}
	if olap < 0 || olap >= 1 || math.IsNaN(olap) {
		return nil, ErrInvalidOverlap
	}
	if err := tb.validate(); err != nil {
		return nil, err
	}

	return &Windower{
		src:   src,
		klen:  klen,
		step:  Step(klen, olap),
		olap:  olap,
		tb:    tb,
		buf:   make([]complex128, 0, klen+readChunk),
		chunk: make([]complex128, readChunk),
	}, nil
}

// WindowLen returns the configured window length.
func (w *Windower) WindowLen() int {
	return w.klen
}

// StepLen returns the advance between windows in samples.
func (w *Windower) StepLen() int {
	return w.step
}

// Emitted returns the number of windows produced so far.
func (w *Windower) Emitted() int64 {
	return w.emitted
}

// Next returns the next window. At the end of the stream it returns io.EOF if
// every received sample belonged to some window, or a *TailError (wrapping
// errkind.ErrInsufficientSamples) if a partial tail was dropped. Calls after
// the end keep returning io.EOF.
func (w *Windower) Next(ctx context.Context) (Window, error) {
	if w.done {
		return Window{}, io.EOF
	}

	for len(w.buf) < w.klen && !w.eof {
		n, err := w.src.ReadSamples(ctx, w.chunk)
		w.buf = append(w.buf, w.chunk[:n]...)
		w.received += int64(n)
		if errors.Is(err, io.EOF) {
			w.eof = true
			break
		}
		if err != nil {
			return Window{}, err
		}
	}

	if len(w.buf) < w.klen {
		w.done = true
		w.buf = w.buf[:0]
		if tail := w.received - w.covered; tail > 0 {
			return Window{}, &TailError{Dropped: int(tail), Windows: w.emitted}
		}
		return Window{}, io.EOF
	}

	win := Window{
		Index:   w.next,
		Time:    w.tb.At(w.next),
		Overlap: w.olap,
		samples: append(make([]complex128, 0, w.klen), w.buf[:w.klen]...),
	}
	if w.emitted == 0 {
		win.Overlap = 0
	}

	w.covered = w.next + int64(w.klen)
	w.next += int64(w.step)
	w.emitted++

	// slide the buffer by step
	copy(w.buf, w.buf[w.step:])
	w.buf = w.buf[:len(w.buf)-w.step]

	return win, nil
}
