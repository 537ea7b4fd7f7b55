// internal/klt/project.go
package klt

import (
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/floats"

	"github.com/ColonelBlimp/kltdet/internal/errkind"
)

var (
	// ErrInvalidNumEig indicates the retained eigen-count must be at least 1
	ErrInvalidNumEig = fmt.Errorf("%w: num_eig must be at least 1", errkind.ErrInvalidParameter)
	// ErrInvalidSampleRate indicates the sample rate must be positive
	ErrInvalidSampleRate = fmt.Errorf("%w: sample rate must be positive", errkind.ErrInvalidParameter)
	// ErrShortWindow indicates a window shorter than the covariance order
	ErrShortWindow = fmt.Errorf("%w: window shorter than covariance order", errkind.ErrInvalidParameter)
)

const (
	powerMaxIter = 1000
	powerTol     = 1e-10
)

// Frame is one window projected onto its dominant eigen-directions.
// All slices have one entry per retained direction, largest eigenvalue first.
type Frame struct {
	Index  int64        // absolute index of the window's first sample
	Time   float64      // window time after any TimeRemap
	Coeffs []complex128 // KLT coefficients c_k = <x, v_k>
	Energy []float64    // |c_k|^2
	Values []float64    // eigenvalues
	Freqs  []float64    // dominant frequency of each eigenvector in Hz
}

// Len returns the number of retained directions.
func (f Frame) Len() int {
	return len(f.Coeffs)
}

// TotalEnergy returns the energy captured by all retained directions.
func (f Frame) TotalEnergy() float64 {
	return floats.Sum(f.Energy)
}

// TimeRemap is a linear re-indexing of frame times, t' = Scale*t + Offset,
// applied identically to every frame of a run. A zero Scale means 1.
type TimeRemap struct {
	Scale  float64
	Offset float64
}

// IsIdentity reports whether the remap leaves times unchanged.
func (r TimeRemap) IsIdentity() bool {
	return (r.Scale == 0 || r.Scale == 1) && r.Offset == 0
}

// Apply remaps t.
func (r TimeRemap) Apply(t float64) float64 {
	scale := r.Scale
	if scale == 0 {
		scale = 1
	}
	return scale*t + r.Offset
}

// Projector turns windows into frames. Each projector owns an Engine and is
// not safe for concurrent use.
type Projector struct {
	engine     *Engine
	numEig     int
	sampleRate float64
	remap      TimeRemap
	taper      Taper
	weights    []float64 // taper weights for the last window length seen
	normalize  bool
}

// NewProjector returns a projector keeping numEig directions of an order x
// order covariance. numEig is clamped to order.
func NewProjector(order, numEig int, sampleRate float64) (*Projector, error) {
	if numEig < 1 {
		return nil, ErrInvalidNumEig
	}
	if !(sampleRate > 0) || math.IsInf(sampleRate, 0) {
		return nil, ErrInvalidSampleRate
	}
	engine, err := NewEngine(order)
	if err != nil {
		return nil, err
	}
	return &Projector{
		engine:     engine,
		numEig:     min(numEig, order),
		sampleRate: sampleRate,
	}, nil
}

// SetRemap sets the time remap applied to every frame.
func (p *Projector) SetRemap(r TimeRemap) {
	p.remap = r
}

// SetTaper sets the taper applied to each window before decomposition.
// Frame coefficients are taken from the tapered samples.
func (p *Projector) SetTaper(t Taper) {
	p.taper = t
	p.weights = nil
}

// SetNormalize makes frames report eigenvalues divided by the largest
// retained one. A silent window keeps its zero eigenvalues.
func (p *Projector) SetNormalize(on bool) {
	p.normalize = on
}

// NumEig returns the effective number of retained directions.
func (p *Projector) NumEig() int {
	return p.numEig
}

// Engine returns the projector's eigen engine.
func (p *Projector) Engine() *Engine {
	return p.engine
}

// Transform decomposes w and projects it. The decomposition is returned for
// callers that need the basis (verification, basis output).
func (p *Projector) Transform(w Window) (Frame, *Decomposition, error) {
	if w.Len() < p.engine.order {
		return Frame{}, nil, ErrShortWindow
	}
	w = p.prepare(w)
	dec, err := p.engine.DecomposeWindow(w)
	if err != nil {
		return Frame{}, nil, err
	}
	return p.Project(w, dec), dec, nil
}

// Project projects w onto the top directions of dec.
func (p *Projector) Project(w Window, dec *Decomposition) Frame {
	k := min(p.numEig, dec.Order())
	f := p.newFrame(w, k)
	for i := 0; i < k; i++ {
		p.fill(&f, i, w, dec.Pairs[i])
	}
	p.scaleValues(&f)
	return f
}

// Dominant is the single-direction fast path. It finds the top eigenvector by
// power iteration seeded with the covariance's first column and falls back to
// the full engine if the iteration does not converge. Its output matches
// Transform with num_eig = 1 within numerical tolerance.
func (p *Projector) Dominant(w Window) (Frame, error) {
	n := p.engine.order
	if w.Len() < n {
		return Frame{}, ErrShortWindow
	}
	w = p.prepare(w)
	cov, err := NewCovariance(w.samples, n)
	if err != nil {
		return Frame{}, err
	}

	pair, ok := powerIteration(cov)
	if !ok {
		dec, err := p.engine.Decompose(cov)
		if err != nil {
			return Frame{}, err
		}
		pair = dec.Pairs[0]
	}

	f := p.newFrame(w, 1)
	p.fill(&f, 0, w, pair)
	p.scaleValues(&f)
	return f, nil
}

// prepare applies the taper, if any.
func (p *Projector) prepare(w Window) Window {
	if p.taper == TaperNone {
		return w
	}
	if len(p.weights) != w.Len() {
		p.weights = p.taper.weights(w.Len())
	}
	return apply(w, p.weights)
}

func (p *Projector) scaleValues(f *Frame) {
	if !p.normalize || f.Len() == 0 {
		return
	}
	if m := floats.Max(f.Values); m > 0 {
		floats.Scale(1/m, f.Values)
	}
}

func (p *Projector) newFrame(w Window, k int) Frame {
	return Frame{
		Index:  w.Index,
		Time:   p.remap.Apply(w.Time),
		Coeffs: make([]complex128, k),
		Energy: make([]float64, k),
		Values: make([]float64, k),
		Freqs:  make([]float64, k),
	}
}

func (p *Projector) fill(f *Frame, i int, w Window, pair Eigenpair) {
	var c complex128
	for t, v := range pair.Vector {
		c += w.samples[t] * cmplx.Conj(v)
	}
	f.Coeffs[i] = c
	f.Energy[i] = real(c)*real(c) + imag(c)*imag(c)
	f.Values[i] = pair.Value
	f.Freqs[i] = ModeFrequency(pair.Vector, p.sampleRate)
}

// ModeFrequency estimates the dominant frequency of an eigenvector from its
// average phase advance per sample. The result lies in [-fs/2, fs/2).
func ModeFrequency(v []complex128, sampleRate float64) float64 {
	var acc complex128
	for t := 0; t+1 < len(v); t++ {
		acc += v[t+1] * cmplx.Conj(v[t])
	}
	if acc == 0 {
		return 0
	}
	phase := cmplx.Phase(acc)
	if phase >= math.Pi {
		phase = -math.Pi
	}
	return phase / (2 * math.Pi) * sampleRate
}

// Reconstruct rebuilds the window (first order samples) from a frame's
// coefficients: sum_k c_k v_k. With every direction retained it reproduces
// the input exactly up to rounding.
func Reconstruct(dec *Decomposition, f Frame) []complex128 {
	out := make([]complex128, dec.Order())
	for i := 0; i < f.Len() && i < dec.Order(); i++ {
		c := f.Coeffs[i]
		for t, v := range dec.Pairs[i].Vector {
			out[t] += c * v
		}
	}
	return out
}

// WeightedBasis returns the first n samples of each retained eigenvector
// scaled by its coefficient.
func WeightedBasis(dec *Decomposition, f Frame, n int) [][]complex128 {
	out := make([][]complex128, f.Len())
	for i := range out {
		v := dec.Pairs[i].Vector
		m := min(n, len(v))
		row := make([]complex128, m)
		for t := 0; t < m; t++ {
			row[t] = f.Coeffs[i] * v[t]
		}
		out[i] = row
	}
	return out
}

// powerIteration returns the dominant eigenpair of cov, or ok=false when it
// does not converge within powerMaxIter steps.
func powerIteration(cov *Covariance) (Eigenpair, bool) {
	n := cov.Order()
	v := make([]complex128, n)
	for i := range v {
		v[i] = cov.At(i, 0)
	}
	nv := math.Sqrt(norm2(v))
	if nv == 0 {
		// all-zero window: every direction carries zero energy
		v[0] = 1
		return Eigenpair{Value: 0, Vector: v}, true
	}
	scaleVec(v, 1/nv)

	w := make([]complex128, n)
	for iter := 0; iter < powerMaxIter; iter++ {
		cov.MulVec(w, v)
		lambda := real(dot(v, w))

		var resid float64
		for i := range w {
			d := w[i] - complex(lambda, 0)*v[i]
			resid += real(d)*real(d) + imag(d)*imag(d)
		}
		if math.Sqrt(resid) <= powerTol*math.Max(lambda, math.SmallestNonzeroFloat64) {
			return Eigenpair{Value: math.Max(lambda, 0), Vector: v}, true
		}

		nw := math.Sqrt(norm2(w))
		if nw == 0 || math.IsNaN(nw) {
			return Eigenpair{}, false
		}
		copy(v, w)
		scaleVec(v, 1/nw)
	}
	return Eigenpair{}, false
}

func scaleVec(v []complex128, s float64) {
	c := complex(s, 0)
	for i := range v {
		v[i] *= c
	}
}
