// cmd/transform.go
package cmd

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ColonelBlimp/kltdet/internal/klt"
	"github.com/ColonelBlimp/kltdet/internal/pipeline"
	"github.com/ColonelBlimp/kltdet/internal/record"
)

var transformCmd = &cobra.Command{
	Use:   "transform <input.cf32> <frames.csv>",
	Short: "Project every window onto its dominant eigen-directions",
	Long: `transform windows a cf32 capture, eigen-decomposes each window covariance
and writes one CSV row per window with the coefficients, energies,
eigenvalues and frequencies of the retained directions. With --basis the
coefficient-weighted eigenvectors are written as well.`,
	Args: cobra.ExactArgs(2),
	RunE: runTransform,
}

func init() {
	transformCmd.Flags().String("basis", "", "also write weighted basis functions to this CSV file")
	transformCmd.Flags().Bool("live", false, "read from the sound card instead of <input>")
	transformCmd.Flags().Duration("duration", 10*time.Second, "live capture duration")
	rootCmd.AddCommand(transformCmd)
}

func runTransform(cmd *cobra.Command, args []string) error {
	e, err := load(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	cfg, err := e.settings.Pipeline()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	basisPath, _ := cmd.Flags().GetString("basis")
	if basisPath != "" && cfg.FastPath() {
		// the fast path never computes the full basis
		return fmt.Errorf("--basis needs num_eig > 1")
	}
	live, _ := cmd.Flags().GetBool("live")
	duration, _ := cmd.Flags().GetDuration("duration")

	src, release, err := e.openInput(cmd.Context(), args[0], live, duration)
	if err != nil {
		return err
	}
	defer release()

	out, err := os.Create(args[1])
	if err != nil {
		return err
	}
	defer out.Close()
	bw := bufio.NewWriter(out)
	frames := record.NewFrameWriter(bw, cfg.NumEig)

	var basis *record.BasisWriter
	if basisPath != "" {
		bf, err := os.Create(basisPath)
		if err != nil {
			return err
		}
		defer bf.Close()
		bb := bufio.NewWriter(bf)
		defer bb.Flush()
		basis = record.NewBasisWriter(bb, record.BasisStride(cfg.EffectiveOrder(), cfg.BasisOverlap))
		defer basis.Flush()
	}

	p, err := pipeline.New(cfg, e.log)
	if err != nil {
		return err
	}
	stats, err := p.Transform(cmd.Context(), src, func(f klt.Frame, dec *klt.Decomposition) error {
		if err := frames.Write(f); err != nil {
			return err
		}
		if basis != nil && dec != nil {
			return basis.Write(f, dec)
		}
		return nil
	})
	logStats(e.log, stats)
	if err != nil {
		return err
	}

	if err := frames.Flush(); err != nil {
		return err
	}
	return bw.Flush()
}

func logStats(log logrus.FieldLogger, s pipeline.Stats) {
	log.WithFields(logrus.Fields{
		"windows":     s.Windows,
		"frames":      s.Frames,
		"skipped":     s.Skipped,
		"tail":        s.Dropped,
		"events":      s.Events,
		"violations":  s.Violations,
		"mean_energy": s.MeanEnergy(),
	}).Info("run complete")
}
