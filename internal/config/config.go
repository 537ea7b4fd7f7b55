// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ColonelBlimp/kltdet/internal/detect"
	"github.com/ColonelBlimp/kltdet/internal/errkind"
	"github.com/ColonelBlimp/kltdet/internal/klt"
	"github.com/ColonelBlimp/kltdet/internal/pipeline"
	"github.com/ColonelBlimp/kltdet/internal/thin"
)

const (
	AppName       = "kltdet"
	ConfigType    = "yaml"
	DefaultConfig = `# KLT Detector Configuration

# Input
sample_rate: 48000      # Complex sample rate in Hz
device_index: -1        # Sound card for live IQ capture, -1 for default device
buffer_size: 512        # Frames per capture callback
swap_iq: false          # Take I from the right channel

# Windowing and transform
window_len: 32          # Samples per window (klen)
overlap: 0.5            # Window overlap fraction (0.0-0.99)
acm_order: 0            # Covariance order, 0 = window_len
num_eig: 1              # Eigen-directions kept per window, 1 uses the fast path
basis_overlap: 0.0      # Overlap of weighted basis functions in the basis output
time_scale: 1.0         # Frame time remap t' = time_scale*t + time_offset
time_offset: 0.0
window: none            # Taper before decomposition: none or flattop (HFT90D)
normalize_eigenvalues: true # Report eigenvalues relative to the largest retained one

# Detection
band: "-24000|24000"    # Monitored band "lo|hi" in Hz, any order
sub_bands: 1            # Equal sub-bands tracked independently
threshold_mode: fixed   # fixed or noise_floor
threshold: 4.0          # Fixed threshold on in-band energy
threshold_factor: 8.0   # noise_floor: threshold = factor * floor
noise_alpha: 0.01       # noise_floor: smoothing of the idle energy average
warmup_frames: 50       # noise_floor: frames used to seed the floor
hysteresis: 1           # Consecutive frames required to confirm a state change

# Thinning
thin_stride: 1          # Events merged per output event
thin_count: 0           # Cap on output events, 0 = no cap

# Pipeline
queue_depth: 64         # Capacity of every inter-stage queue
workers: 4              # Concurrent decomposition workers

# Monitoring
verify: false           # Assert eigen, frame and event invariants while running
stream_path: ""         # Named FIFO for the external monitor, empty = off
stream_columns: 4       # Numeric fields per monitor row
stream_timeout: 5s      # Longest wait for the monitor to read one write

# Output
log_level: info         # panic, fatal, error, warn, info, debug, trace
debug: false            # Enable debug output
`
)

// Threshold modes
const (
	ModeFixed      = "fixed"
	ModeNoiseFloor = "noise_floor"
)

// Settings holds all application configuration
type Settings struct {
	// Input
	SampleRate  float64 `mapstructure:"sample_rate"`
	DeviceIndex int     `mapstructure:"device_index"`
	BufferSize  int     `mapstructure:"buffer_size"`
	SwapIQ      bool    `mapstructure:"swap_iq"`

	// Windowing and transform
	WindowLen    int     `mapstructure:"window_len"`
	Overlap      float64 `mapstructure:"overlap"`
	ACMOrder     int     `mapstructure:"acm_order"`
	NumEig       int     `mapstructure:"num_eig"`
	BasisOverlap float64 `mapstructure:"basis_overlap"`
	TimeScale    float64 `mapstructure:"time_scale"`
	TimeOffset   float64 `mapstructure:"time_offset"`
	Window       string  `mapstructure:"window"`
	Normalize    bool    `mapstructure:"normalize_eigenvalues"`

	// Detection
	Band            string  `mapstructure:"band"`
	SubBands        int     `mapstructure:"sub_bands"`
	ThresholdMode   string  `mapstructure:"threshold_mode"`
	Threshold       float64 `mapstructure:"threshold"`
	ThresholdFactor float64 `mapstructure:"threshold_factor"`
	NoiseAlpha      float64 `mapstructure:"noise_alpha"`
	WarmupFrames    int     `mapstructure:"warmup_frames"`
	Hysteresis      int     `mapstructure:"hysteresis"`

	// Thinning
	ThinStride int `mapstructure:"thin_stride"`
	ThinCount  int `mapstructure:"thin_count"`

	// Pipeline
	QueueDepth int `mapstructure:"queue_depth"`
	Workers    int `mapstructure:"workers"`

	// Monitoring
	Verify        bool          `mapstructure:"verify"`
	StreamPath    string        `mapstructure:"stream_path"`
	StreamColumns int           `mapstructure:"stream_columns"`
	StreamTimeout time.Duration `mapstructure:"stream_timeout"`

	// Output
	LogLevel string `mapstructure:"log_level"`
	Debug    bool   `mapstructure:"debug"`
}

// SetDefaults registers the default value of every key.
func SetDefaults() {
	viper.SetDefault("sample_rate", 48000)
	viper.SetDefault("device_index", -1)
	viper.SetDefault("buffer_size", 512)
	viper.SetDefault("swap_iq", false)
	viper.SetDefault("window_len", 32)
	viper.SetDefault("overlap", 0.5)
	viper.SetDefault("acm_order", 0)
	viper.SetDefault("num_eig", 1)
	viper.SetDefault("basis_overlap", 0.0)
	viper.SetDefault("time_scale", 1.0)
	viper.SetDefault("time_offset", 0.0)
	viper.SetDefault("window", "none")
	viper.SetDefault("normalize_eigenvalues", true)
	viper.SetDefault("band", "-24000|24000")
	viper.SetDefault("sub_bands", 1)
	viper.SetDefault("threshold_mode", ModeFixed)
	viper.SetDefault("threshold", 4.0)
	viper.SetDefault("threshold_factor", 8.0)
	viper.SetDefault("noise_alpha", 0.01)
	viper.SetDefault("warmup_frames", 50)
	viper.SetDefault("hysteresis", 1)
	viper.SetDefault("thin_stride", 1)
	viper.SetDefault("thin_count", 0)
	viper.SetDefault("queue_depth", 64)
	viper.SetDefault("workers", 4)
	viper.SetDefault("verify", false)
	viper.SetDefault("stream_path", "")
	viper.SetDefault("stream_columns", 4)
	viper.SetDefault("stream_timeout", "5s")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("debug", false)
}

// Init initializes Viper with defaults and config file.
// Config file search order: current directory, then ~/.config/kltdet/
func Init() error {
	SetDefaults()

	viper.SetConfigType(ConfigType)

	// Priority order: current directory first, then XDG config
	viper.AddConfigPath(".")

	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = filepath.Join(os.Getenv("HOME"), ".config")
	}
	viper.AddConfigPath(filepath.Join(configDir, AppName))

	// Try .config.yaml first (hidden file), then config.yaml
	viper.SetConfigName(".config")
	if err = viper.ReadInConfig(); err != nil {
		viper.SetConfigName("config")
		err = viper.ReadInConfig()
	}

	// Read config file - if not found, create default in XDG config dir
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			xdgConfigPath := filepath.Join(configDir, AppName)
			if err = ensureConfigExists(xdgConfigPath); err != nil {
				return err
			}
			if err = viper.ReadInConfig(); err != nil {
				return fmt.Errorf("read config: %w", err)
			}
		} else {
			return fmt.Errorf("read config: %w", err)
		}
	}

	return nil
}

func ensureConfigExists(configPath string) error {
	configFile := filepath.Join(configPath, "config.yaml")

	if _, err := os.Stat(configFile); os.IsNotExist(err) {
		if err = os.MkdirAll(configPath, 0755); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
		if err = os.WriteFile(configFile, []byte(DefaultConfig), 0644); err != nil {
			return fmt.Errorf("write default config: %w", err)
		}
	}
	return nil
}

// Get returns the current settings
func Get() (*Settings, error) {
	var s Settings
	if err := viper.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &s, nil
}

// Validate checks that all settings are within acceptable ranges
func (s *Settings) Validate() error {
	var errs []error

	// Input
	if !(s.SampleRate > 0) || math.IsInf(s.SampleRate, 0) {
		errs = append(errs, fmt.Errorf("%w: sample_rate must be positive, got %v", errkind.ErrInvalidParameter, s.SampleRate))
	}
	if s.BufferSize < 64 || s.BufferSize > 8192 {
		errs = append(errs, fmt.Errorf("%w: buffer_size must be between 64 and 8192, got %d", errkind.ErrInvalidParameter, s.BufferSize))
	}

	// Windowing and transform
	if s.WindowLen < 1 {
		errs = append(errs, fmt.Errorf("%w: window_len must be at least 1, got %d", errkind.ErrInvalidParameter, s.WindowLen))
	}
	if s.Overlap < 0 || s.Overlap >= 1 || math.IsNaN(s.Overlap) {
		errs = append(errs, fmt.Errorf("%w: overlap must be in [0, 1), got %v", errkind.ErrInvalidParameter, s.Overlap))
	}
	if s.ACMOrder < 0 || s.ACMOrder > s.WindowLen {
		errs = append(errs, fmt.Errorf("%w: acm_order must be between 0 and window_len (%d), got %d", errkind.ErrInvalidParameter, s.WindowLen, s.ACMOrder))
	}
	if s.NumEig < 1 || s.NumEig > s.WindowLen {
		errs = append(errs, fmt.Errorf("%w: num_eig must be between 1 and window_len (%d), got %d", errkind.ErrInvalidParameter, s.WindowLen, s.NumEig))
	}
	if s.BasisOverlap < 0 || s.BasisOverlap >= 1 || math.IsNaN(s.BasisOverlap) {
		errs = append(errs, fmt.Errorf("%w: basis_overlap must be in [0, 1), got %v", errkind.ErrInvalidParameter, s.BasisOverlap))
	}
	if !(s.TimeScale > 0) || math.IsInf(s.TimeScale, 0) {
		errs = append(errs, fmt.Errorf("%w: time_scale must be positive, got %v", errkind.ErrInvalidParameter, s.TimeScale))
	}
	if math.IsNaN(s.TimeOffset) || math.IsInf(s.TimeOffset, 0) {
		errs = append(errs, fmt.Errorf("%w: time_offset must be finite, got %v", errkind.ErrInvalidParameter, s.TimeOffset))
	}

	if _, err := klt.ParseTaper(s.Window); err != nil {
		errs = append(errs, fmt.Errorf("window: %w", err))
	}

	// Detection
	if _, err := detect.ParseBand(s.Band); err != nil {
		errs = append(errs, fmt.Errorf("band: %w", err))
	}
	if s.SubBands < 1 {
		errs = append(errs, fmt.Errorf("%w: sub_bands must be at least 1, got %d", errkind.ErrInvalidParameter, s.SubBands))
	}
	if _, err := s.policy(); err != nil {
		errs = append(errs, err)
	}
	if s.Hysteresis < 1 || s.Hysteresis > 1000 {
		errs = append(errs, fmt.Errorf("%w: hysteresis must be between 1 and 1000, got %d", errkind.ErrInvalidParameter, s.Hysteresis))
	}

	// Thinning
	if s.ThinStride < 1 {
		errs = append(errs, fmt.Errorf("%w: thin_stride must be at least 1, got %d", errkind.ErrInvalidParameter, s.ThinStride))
	}
	if s.ThinCount < 0 {
		errs = append(errs, fmt.Errorf("%w: thin_count must be non-negative, got %d", errkind.ErrInvalidParameter, s.ThinCount))
	}

	// Pipeline
	if s.QueueDepth < 1 {
		errs = append(errs, fmt.Errorf("%w: queue_depth must be at least 1, got %d", errkind.ErrInvalidParameter, s.QueueDepth))
	}
	if s.Workers < 1 || s.Workers > 256 {
		errs = append(errs, fmt.Errorf("%w: workers must be between 1 and 256, got %d", errkind.ErrInvalidParameter, s.Workers))
	}

	// Monitoring
	if s.StreamColumns < 1 {
		errs = append(errs, fmt.Errorf("%w: stream_columns must be at least 1, got %d", errkind.ErrInvalidParameter, s.StreamColumns))
	}
	if s.StreamTimeout <= 0 {
		errs = append(errs, fmt.Errorf("%w: stream_timeout must be positive, got %s", errkind.ErrInvalidParameter, s.StreamTimeout))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// policy builds the threshold policy selected by threshold_mode.
func (s *Settings) policy() (detect.Policy, error) {
	var p detect.Policy
	switch strings.ToLower(s.ThresholdMode) {
	case ModeFixed:
		p = detect.Fixed{Level: s.Threshold}
	case ModeNoiseFloor:
		p = detect.NoiseFloor{Factor: s.ThresholdFactor, Alpha: s.NoiseAlpha, Warmup: s.WarmupFrames}
	default:
		return nil, fmt.Errorf("%w: threshold_mode must be %q or %q, got %q", errkind.ErrInvalidParameter, ModeFixed, ModeNoiseFloor, s.ThresholdMode)
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("threshold: %w", err)
	}
	return p, nil
}

// Pipeline builds the typed pipeline configuration.
func (s *Settings) Pipeline() (pipeline.Config, error) {
	band, err := detect.ParseBand(s.Band)
	if err != nil {
		return pipeline.Config{}, err
	}
	policy, err := s.policy()
	if err != nil {
		return pipeline.Config{}, err
	}
	taper, err := klt.ParseTaper(s.Window)
	if err != nil {
		return pipeline.Config{}, err
	}
	cfg := pipeline.Config{
		SampleRate:   s.SampleRate,
		WindowLen:    s.WindowLen,
		Overlap:      s.Overlap,
		Order:        s.ACMOrder,
		NumEig:       s.NumEig,
		BasisOverlap: s.BasisOverlap,
		Remap:        klt.TimeRemap{Scale: s.TimeScale, Offset: s.TimeOffset},
		Taper:        taper,

		NormalizeEigenvalues: s.Normalize,
		Detect: detect.Config{
			Band:       band,
			SubBands:   s.SubBands,
			Threshold:  policy,
			Hysteresis: s.Hysteresis,
		},
		Workers:    s.Workers,
		QueueDepth: s.QueueDepth,
	}
	if err := cfg.Validate(); err != nil {
		return pipeline.Config{}, err
	}
	return cfg, nil
}

// Thin returns the thinning options. start is nil unless the caller set one.
func (s *Settings) Thin(start *float64) thin.Options {
	return thin.Options{Stride: s.ThinStride, Start: start, Count: s.ThinCount}
}
