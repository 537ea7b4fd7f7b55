// cmd/detect.go
package cmd

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ColonelBlimp/kltdet/internal/detect"
	"github.com/ColonelBlimp/kltdet/internal/pipeline"
	"github.com/ColonelBlimp/kltdet/internal/record"
)

var detectCmd = &cobra.Command{
	Use:   "detect <input.cf32> <set.yaml>",
	Short: "Run the full detector and write the detection set",
	Long: `detect runs windowing, decomposition, projection and per-sub-band
threshold detection over a cf32 capture and writes the time-ordered
detection events as a YAML document.`,
	Example: `  kltdet detect capture.cf32 set.yaml --band "100e9|-50e9" --sub-bands 4`,
	Args:    cobra.ExactArgs(2),
	RunE:    runDetect,
}

func init() {
	flags := detectCmd.Flags()
	flags.Int("sub-bands", 1, "equal sub-bands tracked independently")
	flags.Float64P("threshold", "t", 4, "fixed threshold on in-band energy")
	flags.Int("hysteresis", 1, "consecutive frames required to confirm a state change")
	flags.String("reference", "", "also run the Goertzel reference detector and write its set here")
	flags.Bool("live", false, "read from the sound card instead of <input>")
	flags.Duration("duration", 10*time.Second, "live capture duration")

	rootCmd.AddCommand(detectCmd)
}

func runDetect(cmd *cobra.Command, args []string) error {
	e, err := load(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	cfg, err := e.settings.Pipeline()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	live, _ := cmd.Flags().GetBool("live")
	duration, _ := cmd.Flags().GetDuration("duration")
	refPath, _ := cmd.Flags().GetString("reference")
	if live && refPath != "" {
		return fmt.Errorf("--reference needs a capture file, the live stream cannot be replayed")
	}

	p, err := pipeline.New(cfg, e.log)
	if err != nil {
		return err
	}

	src, release, err := e.openInput(cmd.Context(), args[0], live, duration)
	if err != nil {
		return err
	}
	defer release()

	set, stats, err := p.Detect(cmd.Context(), src, pipeline.Hooks{Event: logEvent(e.log)})
	logStats(e.log, stats)
	if err != nil {
		// events closed before the failure are still worth keeping
		if set.Len() > 0 {
			if serr := record.SaveSet(args[1], set); serr != nil {
				e.log.WithError(serr).Error("save partial detection set")
			}
		}
		return err
	}
	if err := record.SaveSet(args[1], set); err != nil {
		return err
	}
	logSummary(e.log, "klt", set)

	if refPath == "" {
		return nil
	}
	ref, release2, err := e.openInput(cmd.Context(), args[0], false, 0)
	if err != nil {
		return err
	}
	defer release2()
	refSet, refStats, err := p.Reference(cmd.Context(), ref, pipeline.Hooks{})
	logStats(e.log, refStats)
	if err != nil {
		return err
	}
	logSummary(e.log, "reference", refSet)
	return record.SaveSet(refPath, refSet)
}

func logEvent(log logrus.FieldLogger) detect.EventCallback {
	return func(ev detect.Event) {
		log.WithFields(logrus.Fields{
			"start":    ev.StartTime,
			"end":      ev.EndTime,
			"freq_lo":  ev.FreqLo,
			"freq_hi":  ev.FreqHi,
			"peak":     ev.PeakEnergy,
			"sub_band": ev.SubBand,
		}).Debug("event")
	}
}

func logSummary(log logrus.FieldLogger, name string, set detect.Set) {
	s := set.Summarize()
	log.WithFields(logrus.Fields{
		"set":           name,
		"events":        s.Count,
		"mean_duration": s.MeanDuration,
		"mean_peak":     s.MeanPeak,
		"std_peak":      s.StdPeak,
		"max_peak":      s.MaxPeak,
	}).Info("detection set")
}
