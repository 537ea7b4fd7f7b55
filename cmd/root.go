// cmd/root.go
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ColonelBlimp/kltdet/internal/config"
	"github.com/ColonelBlimp/kltdet/internal/logging"
	"github.com/ColonelBlimp/kltdet/internal/verify"
)

var rootCmd = &cobra.Command{
	Use:   "kltdet",
	Short: "KLT windowed energy detector for complex baseband captures",
	Long: `kltdet slides a window over a complex sample stream, eigen-decomposes the
window covariance, projects onto the dominant eigen-directions and flags
time/frequency regions whose projected energy crosses a threshold.`,
	SilenceUsage: true,
}

func Execute() {
	// Ctrl-C cancels the run; open events are flushed and the monitor FIFO closed
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags (override config file)
	flags := rootCmd.PersistentFlags()
	flags.Float64P("sample-rate", "r", 48000, "complex sample rate in Hz")
	flags.IntP("window-len", "k", 32, "samples per window")
	flags.Float64P("overlap", "o", 0.5, "window overlap fraction in [0, 1)")
	flags.Int("order", 0, "covariance order (0 = window length)")
	flags.IntP("num-eig", "n", 1, "eigen-directions kept per window")
	flags.Float64("basis-overlap", 0, "overlap of weighted basis functions in [0, 1)")
	flags.String("window", "none", "taper applied before decomposition (none, flattop)")
	flags.Bool("normalize", true, "report eigenvalues relative to the largest retained one")
	flags.StringP("band", "b", "-24000|24000", `monitored band "lo|hi" in Hz`)
	flags.IntP("workers", "j", 4, "concurrent decomposition workers")
	flags.Bool("verify", false, "assert eigen, frame and event invariants while running")
	flags.String("log-level", "info", "log level (panic, fatal, error, warn, info, debug, trace)")
	flags.BoolP("debug", "D", false, "enable debug output")
}

// bindFlags binds every config-backed flag into viper. It runs before each
// command so a viper reset does not lose the bindings.
func bindFlags() {
	flags := rootCmd.PersistentFlags()
	viper.BindPFlag("sample_rate", flags.Lookup("sample-rate"))
	viper.BindPFlag("window_len", flags.Lookup("window-len"))
	viper.BindPFlag("overlap", flags.Lookup("overlap"))
	viper.BindPFlag("acm_order", flags.Lookup("order"))
	viper.BindPFlag("num_eig", flags.Lookup("num-eig"))
	viper.BindPFlag("basis_overlap", flags.Lookup("basis-overlap"))
	viper.BindPFlag("window", flags.Lookup("window"))
	viper.BindPFlag("normalize_eigenvalues", flags.Lookup("normalize"))
	viper.BindPFlag("band", flags.Lookup("band"))
	viper.BindPFlag("workers", flags.Lookup("workers"))
	viper.BindPFlag("verify", flags.Lookup("verify"))
	viper.BindPFlag("log_level", flags.Lookup("log-level"))
	viper.BindPFlag("debug", flags.Lookup("debug"))

	viper.BindPFlag("sub_bands", detectCmd.Flags().Lookup("sub-bands"))
	viper.BindPFlag("threshold", detectCmd.Flags().Lookup("threshold"))
	viper.BindPFlag("hysteresis", detectCmd.Flags().Lookup("hysteresis"))

	viper.BindPFlag("thin_stride", thinCmd.Flags().Lookup("stride"))
	viper.BindPFlag("thin_count", thinCmd.Flags().Lookup("count"))
}

func initConfig() {
	bindFlags()
	if err := config.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
}

// env is what every subcommand needs from the configuration.
type env struct {
	settings *config.Settings
	log      *logrus.Logger
	scope    *verify.Scope
}

// load reads the settings, builds the logger and takes a verification
// scope when verify is on. Callers must defer close.
func load(cmd *cobra.Command) (*env, error) {
	s, err := config.Get()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	log, err := logging.New(s.LogLevel, s.Debug, cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	e := &env{settings: s, log: log}
	if s.Verify {
		e.scope = verify.Enable()
		log.Debug("verification enabled")
	}
	return e, nil
}

func (e *env) close() {
	if e.scope != nil {
		c := verify.Snapshot()
		e.log.WithFields(logrus.Fields{"checks": c.Checks, "violations": c.Violations}).Info("verification summary")
		e.scope.Disable()
	}
}
