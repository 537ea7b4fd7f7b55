// internal/pipeline/pipeline.go
package pipeline

import (
	"context"
	"errors"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/ColonelBlimp/kltdet/internal/detect"
	"github.com/ColonelBlimp/kltdet/internal/dsp"
	"github.com/ColonelBlimp/kltdet/internal/errkind"
	"github.com/ColonelBlimp/kltdet/internal/klt"
	"github.com/ColonelBlimp/kltdet/internal/logging"
	"github.com/ColonelBlimp/kltdet/internal/recovery"
	"github.com/ColonelBlimp/kltdet/internal/source"
	"github.com/ColonelBlimp/kltdet/internal/verify"
)

// FrameSink receives every frame in stream order. dec is nil when the frame
// did not come from a full decomposition (fast path, reference mode).
// Returning an error aborts the run.
type FrameSink func(f klt.Frame, dec *klt.Decomposition) error

// Hooks are optional observers of a run.
type Hooks struct {
	Frame FrameSink
	Event detect.EventCallback
}

// Stats summarizes a run.
type Stats struct {
	Windows    int64   // windows cut from the stream
	Frames     int64   // frames delivered downstream
	Skipped    int64   // windows dropped after a decomposition error
	Dropped    int     // tail samples that never filled a window
	Events     int     // finalized detection events
	Violations int64   // verification failures while verify mode was on
	Energy     float64 // total energy of the delivered frames
}

// MeanEnergy returns the average total energy per delivered frame.
func (s Stats) MeanEnergy() float64 {
	if s.Frames == 0 {
		return 0
	}
	return s.Energy / float64(s.Frames)
}

// framer turns a window into a frame. Each worker owns one.
type framer interface {
	frame(w klt.Window) (klt.Frame, *klt.Decomposition, error)
}

type kltFramer struct {
	p    *klt.Projector
	fast bool
}

func (k kltFramer) frame(w klt.Window) (klt.Frame, *klt.Decomposition, error) {
	if k.fast {
		f, err := k.p.Dominant(w)
		return f, nil, err
	}
	return k.p.Transform(w)
}

type referenceFramer struct {
	b *dsp.BandPower
}

func (r referenceFramer) frame(w klt.Window) (klt.Frame, *klt.Decomposition, error) {
	f, err := r.b.Frame(w)
	return f, nil, err
}

type result struct {
	window klt.Window
	frame  klt.Frame
	dec    *klt.Decomposition
	err    error
}

type job struct {
	window klt.Window
	res    chan result
}

// Pipeline runs the detector stages over sample sources. A Pipeline may be
// reused for several sequential runs.
type Pipeline struct {
	cfg Config
	log logrus.FieldLogger
}

// New validates cfg and returns a pipeline. A nil logger discards output.
func New(cfg Config, log logrus.FieldLogger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logging.Discard()
	}
	return &Pipeline{cfg: cfg, log: log}, nil
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// Transform windows, decomposes and projects src, handing each frame to
// sink in stream order.
func (p *Pipeline) Transform(ctx context.Context, src source.Source, sink FrameSink) (Stats, error) {
	framers, err := p.kltFramers()
	if err != nil {
		return Stats{}, err
	}
	_, stats, err := p.run(ctx, src, framers, nil, Hooks{Frame: sink})
	return stats, err
}

// Detect runs the full KLT pipeline and returns the detection set. On a
// fatal error the events finalized so far, including force-closed open
// events, are returned with the error.
func (p *Pipeline) Detect(ctx context.Context, src source.Source, hooks Hooks) (detect.Set, Stats, error) {
	det, err := detect.NewDetector(p.cfg.Detect, p.log)
	if err != nil {
		return detect.Set{}, Stats{}, err
	}
	framers, err := p.kltFramers()
	if err != nil {
		return detect.Set{}, Stats{}, err
	}
	return p.run(ctx, src, framers, det, hooks)
}

// Reference runs the detector on per-sub-band Goertzel power instead of KLT
// frames, as a baseline for comparison.
func (p *Pipeline) Reference(ctx context.Context, src source.Source, hooks Hooks) (detect.Set, Stats, error) {
	det, err := detect.NewDetector(p.cfg.Detect, p.log)
	if err != nil {
		return detect.Set{}, Stats{}, err
	}
	subs, err := p.cfg.Detect.Band.Split(p.cfg.Detect.SubBands)
	if err != nil {
		return detect.Set{}, Stats{}, err
	}
	centres := make([]float64, len(subs))
	for i, b := range subs {
		centres[i] = b.Centre()
	}

	framers := make([]framer, p.cfg.Workers)
	for i := range framers {
		b, err := dsp.NewBandPower(dsp.BandPowerConfig{
			SampleRate: p.cfg.SampleRate,
			WindowLen:  p.cfg.WindowLen,
			Centres:    centres,
		})
		if err != nil {
			return detect.Set{}, Stats{}, err
		}
		b.SetRemap(p.cfg.Remap)
		framers[i] = referenceFramer{b: b}
	}
	return p.run(ctx, src, framers, det, hooks)
}

func (p *Pipeline) kltFramers() ([]framer, error) {
	framers := make([]framer, p.cfg.Workers)
	for i := range framers {
		proj, err := klt.NewProjector(p.cfg.EffectiveOrder(), p.cfg.NumEig, p.cfg.SampleRate)
		if err != nil {
			return nil, err
		}
		proj.SetRemap(p.cfg.Remap)
		proj.SetTaper(p.cfg.Taper)
		proj.SetNormalize(p.cfg.NormalizeEigenvalues)
		framers[i] = kltFramer{p: proj, fast: p.cfg.FastPath()}
	}
	return framers, nil
}

// run wires the stages:
//
//	windower -> jobs -> workers (parallel) -> per-window result channels
//	         -> order -> collector (stream order) -> frames -> detector
//
// The windower pushes each window's result channel onto order before
// handing the window to a worker, so the collector sees results in stream
// order however the workers interleave. Every queue holds QueueDepth items.
func (p *Pipeline) run(ctx context.Context, src source.Source, framers []framer, det *detect.Detector, hooks Hooks) (detect.Set, Stats, error) {
	wd, err := klt.NewWindower(src, p.cfg.WindowLen, p.cfg.Overlap, klt.NewTimeBase(p.cfg.SampleRate))
	if err != nil {
		return detect.Set{}, Stats{}, err
	}

	var stats Stats
	before := verify.Snapshot()

	g, ctx := errgroup.WithContext(ctx)
	jobs := make(chan job, p.cfg.QueueDepth)
	order := make(chan chan result, p.cfg.QueueDepth)
	var frames chan klt.Frame
	if det != nil {
		frames = make(chan klt.Frame, p.cfg.QueueDepth)
		det.SetCallback(p.eventCallback(det.Config().Band, hooks.Event))
	}

	g.Go(func() (err error) {
		defer recovery.Guard("window", &err)
		defer close(jobs)
		defer close(order)
		return p.windows(ctx, wd, jobs, order, &stats)
	})

	for i, fr := range framers {
		g.Go(func() (err error) {
			defer recovery.Guard("decompose", &err)
			return p.work(ctx, i, fr, jobs)
		})
	}

	g.Go(func() (err error) {
		defer recovery.Guard("collect", &err)
		if frames != nil {
			defer close(frames)
		}
		return p.collect(ctx, order, frames, hooks.Frame, &stats)
	})

	if det != nil {
		g.Go(func() (err error) {
			defer recovery.Guard("detect", &err)
			// open events are closed however the run ends
			defer det.Flush()
			return p.detect(ctx, det, frames)
		})
	}

	err = g.Wait()

	var set detect.Set
	if det != nil {
		set = det.Set()
		stats.Events = set.Len()
		if verr := verify.Set(set); verr != nil {
			p.log.WithError(verr).Warn("detection set failed verification")
		}
	}
	stats.Violations = verify.Snapshot().Violations - before.Violations

	p.log.WithFields(logrus.Fields{
		"windows": stats.Windows,
		"frames":  stats.Frames,
		"skipped": stats.Skipped,
		"dropped": stats.Dropped,
		"events":  stats.Events,
	}).Debug("pipeline finished")

	return set, stats, err
}

// windows is the windowing stage.
func (p *Pipeline) windows(ctx context.Context, wd *klt.Windower, jobs chan<- job, order chan<- chan result, stats *Stats) error {
	for {
		w, err := wd.Next(ctx)
		if err != nil {
			var tail *klt.TailError
			switch {
			case errors.Is(err, io.EOF):
				return nil
			case errors.As(err, &tail):
				stats.Dropped = tail.Dropped
				p.log.WithFields(logrus.Fields{
					"dropped": tail.Dropped,
					"windows": tail.Windows,
				}).Info("partial tail dropped")
				return nil
			default:
				return err
			}
		}
		stats.Windows++

		res := make(chan result, 1)
		select {
		case order <- res:
		case <-ctx.Done():
			return ctx.Err()
		}
		select {
		case jobs <- job{window: w, res: res}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// work is one decomposition worker.
func (p *Pipeline) work(ctx context.Context, id int, fr framer, jobs <-chan job) error {
	for {
		var j job
		var ok bool
		select {
		case j, ok = <-jobs:
			if !ok {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}

		f, dec, err := fr.frame(j.window)
		if err == nil && dec != nil {
			if verr := verify.Decomposition(dec); verr != nil {
				p.log.WithFields(logrus.Fields{
					"worker": id,
					"window": j.window.Index,
				}).WithError(verr).Warn("decomposition failed verification")
			}
		}
		// buffered: never blocks
		j.res <- result{window: j.window, frame: f, dec: dec, err: err}
	}
}

// collect restores stream order, skips failed windows and feeds the sinks.
func (p *Pipeline) collect(ctx context.Context, order <-chan chan result, frames chan<- klt.Frame, sink FrameSink, stats *Stats) error {
	var prev klt.Frame
	for res := range order {
		var r result
		select {
		case r = <-res:
		case <-ctx.Done():
			return ctx.Err()
		}

		if r.err != nil {
			if errkind.Fatal(r.err) {
				return r.err
			}
			stats.Skipped++
			p.log.WithFields(logrus.Fields{
				"window": r.window.Index,
				"time":   r.window.Time,
			}).WithError(r.err).Warn("window skipped")
			continue
		}

		if verr := verify.Frame(r.frame, p.cfg.SampleRate); verr != nil {
			p.log.WithError(verr).Warn("frame failed verification")
		}
		if stats.Frames > 0 {
			if verr := verify.FrameOrder(prev, r.frame); verr != nil {
				p.log.WithError(verr).Warn("frame out of order")
			}
		}
		prev = r.frame
		stats.Frames++
		stats.Energy += r.frame.TotalEnergy()

		if sink != nil {
			if err := sink(r.frame, r.dec); err != nil {
				return err
			}
		}
		if frames != nil {
			select {
			case frames <- r.frame:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
	return nil
}

// detect is the detection stage; it is the detector's only writer.
func (p *Pipeline) detect(ctx context.Context, det *detect.Detector, frames <-chan klt.Frame) error {
	for {
		select {
		case f, ok := <-frames:
			if !ok {
				return nil
			}
			if err := det.Process(f); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// eventCallback verifies each finalized event before passing it on.
func (p *Pipeline) eventCallback(band detect.Band, next detect.EventCallback) detect.EventCallback {
	return func(ev detect.Event) {
		if err := verify.Event(ev, band); err != nil {
			p.log.WithError(err).Warn("event failed verification")
		}
		if next != nil {
			next(ev)
		}
	}
}
