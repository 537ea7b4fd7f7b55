// cmd/scenario.go
package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ColonelBlimp/kltdet/internal/conduit"
	"github.com/ColonelBlimp/kltdet/internal/detect"
	"github.com/ColonelBlimp/kltdet/internal/klt"
	"github.com/ColonelBlimp/kltdet/internal/pipeline"
	"github.com/ColonelBlimp/kltdet/internal/record"
	"github.com/ColonelBlimp/kltdet/internal/source"
	"github.com/ColonelBlimp/kltdet/internal/thin"
)

// Scenario selects what a scenario run does.
type Scenario string

const (
	// ScenarioKLT writes the projected frames only.
	ScenarioKLT Scenario = "klt"
	// ScenarioKLTDet detects, thins and runs the reference detector.
	ScenarioKLTDet Scenario = "kltdet"
	// ScenarioMonitor detects while streaming frames to the monitor FIFO.
	ScenarioMonitor Scenario = "monitor"
)

// ParseScenario maps a selector name to a Scenario.
func ParseScenario(name string) (Scenario, error) {
	switch s := Scenario(strings.ToLower(name)); s {
	case ScenarioKLT, ScenarioKLTDet, ScenarioMonitor:
		return s, nil
	}
	return "", fmt.Errorf("unknown scenario %q (want %s, %s or %s)", name, ScenarioKLT, ScenarioKLTDet, ScenarioMonitor)
}

var scenarioCmd = &cobra.Command{
	Use:   "scenario <klt|kltdet|monitor>",
	Short: "Run a canned processing scenario on a capture or a synthetic tone",
	Long: `scenario runs one of the canned processing chains. Without --input a
synthetic capture is generated: a complex tone over white Gaussian noise.

  klt      write the projected frames (and the weighted basis when num_eig > 1)
  kltdet   detect, thin at thin_stride and twice that, and run the reference
           Goertzel detector for comparison
  monitor  detect while streaming frame rows to the FIFO at stream_path`,
	Args: cobra.ExactArgs(1),
	RunE: runScenario,
}

func init() {
	flags := scenarioCmd.Flags()
	flags.StringP("input", "i", "", "cf32 capture to use instead of the synthetic tone")
	flags.String("out", ".", "directory for output files")
	flags.Float64("seconds", 1, "synthetic capture length")
	flags.Float64("tone-freq", 1000, "synthetic tone frequency in Hz")
	flags.Float64("tone-start", 0.25, "synthetic tone start in seconds")
	flags.Float64("tone-stop", 0.75, "synthetic tone stop in seconds")
	flags.Float64("amplitude", 1, "synthetic tone amplitude")
	flags.Float64("noise", 0.1, "synthetic noise RMS")
	flags.Uint64("seed", 1, "synthetic noise seed")
	flags.String("stream", "", "monitor FIFO path (overrides stream_path)")
	rootCmd.AddCommand(scenarioCmd)
}

// scenarioRun holds one scenario invocation.
type scenarioRun struct {
	*env
	cfg   pipeline.Config
	out   string
	input string
	tone  source.ToneConfig
}

// open returns a fresh source. The synthetic capture is deterministic, so
// every call yields the same samples.
func (r *scenarioRun) open(ctx context.Context) (source.Source, func(), error) {
	if r.input != "" {
		return r.openInput(ctx, r.input, false, 0)
	}
	src, err := source.NewToneSource(r.tone)
	if err != nil {
		return nil, nil, err
	}
	return src, func() {}, nil
}

func runScenario(cmd *cobra.Command, args []string) error {
	sc, err := ParseScenario(args[0])
	if err != nil {
		return err
	}
	e, err := load(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	cfg, err := e.settings.Pipeline()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	flags := cmd.Flags()
	r := &scenarioRun{env: e, cfg: cfg}
	r.out, _ = flags.GetString("out")
	r.input, _ = flags.GetString("input")
	r.tone.SampleRate = cfg.SampleRate
	r.tone.Duration, _ = flags.GetFloat64("seconds")
	r.tone.NoiseLevel, _ = flags.GetFloat64("noise")
	r.tone.Seed, _ = flags.GetUint64("seed")
	var tone source.Tone
	tone.Frequency, _ = flags.GetFloat64("tone-freq")
	tone.Start, _ = flags.GetFloat64("tone-start")
	tone.Stop, _ = flags.GetFloat64("tone-stop")
	tone.Amplitude, _ = flags.GetFloat64("amplitude")
	r.tone.Tones = []source.Tone{tone}

	if err := os.MkdirAll(r.out, 0o755); err != nil {
		return err
	}
	e.log.WithField("scenario", sc).Info("running scenario")

	ctx := cmd.Context()
	switch sc {
	case ScenarioKLT:
		return r.klt(ctx)
	case ScenarioKLTDet:
		return r.kltdet(ctx, pipeline.Hooks{Event: logEvent(e.log)})
	default:
		stream, _ := flags.GetString("stream")
		if stream == "" {
			stream = e.settings.StreamPath
		}
		return r.monitor(ctx, stream)
	}
}

func (r *scenarioRun) klt(ctx context.Context) error {
	src, release, err := r.open(ctx)
	if err != nil {
		return err
	}
	defer release()

	f, err := os.Create(filepath.Join(r.out, "frames.csv"))
	if err != nil {
		return err
	}
	defer f.Close()
	bw := bufio.NewWriter(f)
	frames := record.NewFrameWriter(bw, r.cfg.NumEig)

	var basis *record.BasisWriter
	if !r.cfg.FastPath() {
		bf, err := os.Create(filepath.Join(r.out, "basis.csv"))
		if err != nil {
			return err
		}
		defer bf.Close()
		bb := bufio.NewWriter(bf)
		defer bb.Flush()
		basis = record.NewBasisWriter(bb, record.BasisStride(r.cfg.EffectiveOrder(), r.cfg.BasisOverlap))
		defer basis.Flush()
	}

	p, err := pipeline.New(r.cfg, r.log)
	if err != nil {
		return err
	}
	stats, err := p.Transform(ctx, src, func(fr klt.Frame, dec *klt.Decomposition) error {
		if err := frames.Write(fr); err != nil {
			return err
		}
		if basis != nil && dec != nil {
			return basis.Write(fr, dec)
		}
		return nil
	})
	logStats(r.log, stats)
	if err != nil {
		return err
	}
	if err := frames.Flush(); err != nil {
		return err
	}
	return bw.Flush()
}

func (r *scenarioRun) kltdet(ctx context.Context, hooks pipeline.Hooks) error {
	p, err := pipeline.New(r.cfg, r.log)
	if err != nil {
		return err
	}

	src, release, err := r.open(ctx)
	if err != nil {
		return err
	}
	set, stats, err := p.Detect(ctx, src, hooks)
	release()
	logStats(r.log, stats)
	if err != nil {
		return err
	}
	if err := record.SaveSet(filepath.Join(r.out, "klt.yaml"), set); err != nil {
		return err
	}
	logSummary(r.log, "klt", set)

	stride := r.settings.ThinStride
	thinned, err := thin.Many(ctx, set, r.settings.Thin(nil), stride, 2*stride)
	if err != nil {
		return err
	}
	for _, ts := range thinned {
		name := fmt.Sprintf("klt_thin%d.yaml", ts.Stride)
		if err := record.SaveSet(filepath.Join(r.out, name), ts); err != nil {
			return err
		}
		logSummary(r.log, name, ts)
	}

	ref, release, err := r.open(ctx)
	if err != nil {
		return err
	}
	defer release()
	refSet, refStats, err := p.Reference(ctx, ref, pipeline.Hooks{})
	logStats(r.log, refStats)
	if err != nil {
		return err
	}
	logSummary(r.log, "reference", refSet)
	return record.SaveSet(filepath.Join(r.out, "reference.yaml"), refSet)
}

// monitorRow lays out one frame for the monitor: time, then energy,
// frequency and eigenvalue of the dominant direction, zero padded to the
// configured column count.
func monitorRow(f klt.Frame, columns int) []float64 {
	row := make([]float64, columns)
	vals := []float64{f.Time}
	if f.Len() > 0 {
		vals = append(vals, f.Energy[0], f.Freqs[0], f.Values[0])
	}
	copy(row, vals)
	return row
}

func (r *scenarioRun) monitor(ctx context.Context, path string) (err error) {
	if path == "" {
		return fmt.Errorf("monitor scenario needs stream_path or --stream")
	}
	c, err := conduit.Enable(path, r.settings.StreamColumns)
	if err != nil {
		return err
	}
	defer func() {
		if derr := c.Disable(); derr != nil && err == nil {
			err = derr
		}
		r.log.WithField("rows", c.Rows()).Info("monitor stream closed")
	}()
	c.SetTimeout(r.settings.StreamTimeout)
	// a canceled run must not stay blocked on a monitor that stopped reading
	stop := c.Watch(ctx)
	defer stop()
	r.log.WithFields(logrus.Fields{
		"path":    path,
		"timeout": r.settings.StreamTimeout,
	}).Info("monitor stream open")

	hooks := pipeline.Hooks{
		Frame: func(f klt.Frame, _ *klt.Decomposition) error {
			return c.WriteRow(monitorRow(f, c.Columns())...)
		},
		Event: func(ev detect.Event) {
			logEvent(r.log)(ev)
			// the monitor reads events as they close, not at run end
			if ferr := c.Flush(); ferr != nil {
				r.log.WithError(ferr).Warn("monitor flush")
			}
		},
	}
	return r.kltdet(ctx, hooks)
}
