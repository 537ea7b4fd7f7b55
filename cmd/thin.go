// cmd/thin.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ColonelBlimp/kltdet/internal/record"
	"github.com/ColonelBlimp/kltdet/internal/thin"
	"github.com/ColonelBlimp/kltdet/internal/verify"
)

var thinCmd = &cobra.Command{
	Use:   "thin <in.yaml> <out.yaml>",
	Short: "Merge consecutive detection events by an integer stride",
	Args:  cobra.ExactArgs(2),
	RunE:  runThin,
}

func init() {
	flags := thinCmd.Flags()
	flags.IntP("stride", "s", 1, "events merged per output event")
	flags.Float64("start", 0, "skip events that end before this time")
	flags.IntP("count", "c", 0, "cap on output events (0 = no cap)")

	rootCmd.AddCommand(thinCmd)
}

func runThin(cmd *cobra.Command, args []string) error {
	e, err := load(cmd)
	if err != nil {
		return err
	}
	defer e.close()

	var start *float64
	if cmd.Flags().Changed("start") {
		v, _ := cmd.Flags().GetFloat64("start")
		start = &v
	}

	set, err := record.LoadSet(args[0])
	if err != nil {
		return err
	}
	out, err := thin.Thin(set, e.settings.Thin(start))
	if err != nil {
		return fmt.Errorf("thin: %w", err)
	}
	if err := verify.Set(out); err != nil {
		e.log.WithError(err).Warn("thinned set")
	}
	e.log.WithField("in", set.Len()).WithField("out", out.Len()).Info("thinned")
	return record.SaveSet(args[1], out)
}
