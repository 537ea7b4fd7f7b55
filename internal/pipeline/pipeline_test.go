package pipeline

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ColonelBlimp/kltdet/internal/detect"
	"github.com/ColonelBlimp/kltdet/internal/errkind"
	"github.com/ColonelBlimp/kltdet/internal/klt"
	"github.com/ColonelBlimp/kltdet/internal/recovery"
	"github.com/ColonelBlimp/kltdet/internal/source"
	"github.com/ColonelBlimp/kltdet/internal/verify"
)

const (
	scenarioRate   = 32000.0
	scenarioTone   = 4000.0
	windowDuration = 32 / scenarioRate
)

// scenarioConfig is the acceptance setup: klen 32, one direction, a band
// around the tone and a fixed threshold well above the noise.
func scenarioConfig() Config {
	return Config{
		SampleRate: scenarioRate,
		WindowLen:  32,
		Overlap:    0.25,
		NumEig:     1,
		Detect: detect.Config{
			Band:       detect.Band{Lo: 2000, Hi: 6000},
			SubBands:   1,
			Threshold:  detect.Fixed{Level: 4},
			Hysteresis: 1,
		},
		Workers:    4,
		QueueDepth: 8,
	}
}

func toneSource(t *testing.T, duration float64, tones []source.Tone, noise float64) *source.ToneSource {
	t.Helper()
	src, err := source.NewToneSource(source.ToneConfig{
		SampleRate: scenarioRate,
		Duration:   duration,
		Tones:      tones,
		NoiseLevel: noise,
		Seed:       7,
	})
	require.NoError(t, err)
	return src
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, scenarioConfig().Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   error
	}{
		{"num_eig above klen", func(c *Config) { c.NumEig = 33 }, ErrInvalidNumEig},
		{"zero num_eig", func(c *Config) { c.NumEig = 0 }, ErrInvalidNumEig},
		{"order above klen", func(c *Config) { c.Order = 64 }, ErrInvalidOrder},
		{"zero rate", func(c *Config) { c.SampleRate = 0 }, ErrInvalidSampleRate},
		{"zero window", func(c *Config) { c.WindowLen = 0 }, klt.ErrInvalidWindowLen},
		{"full overlap", func(c *Config) { c.Overlap = 1 }, klt.ErrInvalidOverlap},
		{"basis overlap", func(c *Config) { c.BasisOverlap = -0.1 }, ErrInvalidBasisOverlap},
		{"negative scale", func(c *Config) { c.Remap.Scale = -1 }, ErrInvalidTimeScale},
		{"no workers", func(c *Config) { c.Workers = 0 }, ErrInvalidWorkers},
		{"no queue", func(c *Config) { c.QueueDepth = 0 }, ErrInvalidQueueDepth},
		{"unknown taper", func(c *Config) { c.Taper = klt.Taper(7) }, klt.ErrInvalidTaper},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := scenarioConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, errkind.ErrInvalidParameter)

			_, err = New(cfg, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestConfig_ValidateJoinsErrors(t *testing.T) {
	cfg := scenarioConfig()
	cfg.Workers = 0
	cfg.QueueDepth = 0
	err := cfg.Validate()
	assert.ErrorIs(t, err, ErrInvalidWorkers)
	assert.ErrorIs(t, err, ErrInvalidQueueDepth)
}

func TestConfig_EffectiveOrder(t *testing.T) {
	cfg := scenarioConfig()
	assert.Equal(t, 32, cfg.EffectiveOrder())
	cfg.Order = 8
	assert.Equal(t, 8, cfg.EffectiveOrder())
	assert.NoError(t, Default().Validate())
}

func TestDetect_ToneInBand(t *testing.T) {
	for _, numEig := range []int{1, 3} {
		cfg := scenarioConfig()
		cfg.NumEig = numEig
		src := toneSource(t, 1, []source.Tone{{Frequency: scenarioTone, Amplitude: 1, Start: 0.25, Stop: 0.75}}, 0.05)

		p, err := New(cfg, nil)
		require.NoError(t, err)
		set, stats, err := p.Detect(context.Background(), src, Hooks{})
		require.NoError(t, err)

		require.Len(t, set.Events, 1, "num_eig=%d", numEig)
		ev := set.Events[0]
		assert.InDelta(t, 0.25, ev.StartTime, windowDuration)
		assert.InDelta(t, 0.75, ev.EndTime, windowDuration)
		assert.True(t, cfg.Detect.Band.Contains(ev.FreqLo))
		assert.True(t, cfg.Detect.Band.Contains(ev.FreqHi))
		if numEig == 1 {
			// only the tone direction is ever observed
			assert.InDelta(t, scenarioTone, ev.FreqLo, 250)
			assert.InDelta(t, scenarioTone, ev.FreqHi, 250)
		}
		assert.Greater(t, ev.PeakEnergy, 25.0)

		assert.Equal(t, int64(1333), stats.Windows)
		assert.Equal(t, stats.Windows, stats.Frames)
		assert.Zero(t, stats.Skipped)
		assert.Zero(t, stats.Dropped)
		assert.Equal(t, 1, stats.Events)
	}
}

func TestDetect_NoiseOnly(t *testing.T) {
	src := toneSource(t, 1, nil, 0.1)
	set, err := Detect(context.Background(), src, scenarioConfig())
	require.NoError(t, err)
	assert.Empty(t, set.Events)
	assert.Equal(t, detect.Band{Lo: 2000, Hi: 6000}, set.Band)
}

func TestDetect_ToneOutOfBand(t *testing.T) {
	src := toneSource(t, 0.25, []source.Tone{{Frequency: -8000, Amplitude: 1}}, 0.05)
	set, err := Detect(context.Background(), src, scenarioConfig())
	require.NoError(t, err)
	assert.Empty(t, set.Events)
}

func TestDetect_ToneUntilEnd(t *testing.T) {
	src := toneSource(t, 0.1, []source.Tone{{Frequency: scenarioTone, Amplitude: 1, Start: 0.05}}, 0.05)
	p, err := New(scenarioConfig(), nil)
	require.NoError(t, err)

	var streamed []detect.Event
	set, stats, err := p.Detect(context.Background(), src, Hooks{Event: func(ev detect.Event) { streamed = append(streamed, ev) }})
	require.NoError(t, err)

	// the open event is closed at the last frame
	require.Len(t, set.Events, 1)
	lastFrameTime := float64((stats.Windows-1)*24) / scenarioRate
	assert.InDelta(t, lastFrameTime, set.Events[0].EndTime, 1e-12)
	assert.Equal(t, set.Events, streamed)
}

func TestDetect_Deterministic(t *testing.T) {
	tones := []source.Tone{
		{Frequency: 3000, Amplitude: 1, Start: 0.02, Stop: 0.05},
		{Frequency: 5000, Amplitude: 0.8, Start: 0.07, Stop: 0.09},
	}
	cfg := scenarioConfig()
	cfg.Detect.SubBands = 2

	first, err := Detect(context.Background(), toneSource(t, 0.125, tones, 0.05), cfg)
	require.NoError(t, err)
	second, err := Detect(context.Background(), toneSource(t, 0.125, tones, 0.05), cfg)
	require.NoError(t, err)

	require.Len(t, first.Events, 2)
	assert.Equal(t, first, second)
	assert.Equal(t, 0, first.Events[0].SubBand)
	assert.Equal(t, 1, first.Events[1].SubBand)
}

func TestReference_ToneInBand(t *testing.T) {
	src := toneSource(t, 1, []source.Tone{{Frequency: scenarioTone, Amplitude: 1, Start: 0.25, Stop: 0.75}}, 0.05)
	p, err := New(scenarioConfig(), nil)
	require.NoError(t, err)

	set, stats, err := p.Reference(context.Background(), src, Hooks{})
	require.NoError(t, err)
	require.Len(t, set.Events, 1)
	assert.InDelta(t, 0.25, set.Events[0].StartTime, windowDuration)
	assert.InDelta(t, 0.75, set.Events[0].EndTime, windowDuration)
	assert.Equal(t, scenarioTone, set.Events[0].FreqLo)
	assert.Equal(t, int64(1333), stats.Frames)
}

func TestTransform_SkipsBadWindows(t *testing.T) {
	samples := make([]complex128, 960)
	for i := range samples {
		samples[i] = complex(math.Cos(float64(i)), math.Sin(float64(i)))
	}
	samples[100] = complex(math.NaN(), 0)

	var frames []klt.Frame
	stats, err := Transform(context.Background(), source.NewSlice(samples), scenarioConfig(), func(f klt.Frame, _ *klt.Decomposition) error {
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)

	// windows at 72 and 96 hold the NaN; 16 tail samples never fill a window
	assert.Equal(t, int64(39), stats.Windows)
	assert.Equal(t, int64(2), stats.Skipped)
	assert.Equal(t, int64(37), stats.Frames)
	assert.Equal(t, 16, stats.Dropped)
	require.Len(t, frames, 37)
	for _, f := range frames {
		assert.NotContains(t, []int64{72, 96}, f.Index)
	}
}

func TestTransform_OrderAndDecomposition(t *testing.T) {
	cfg := scenarioConfig()
	cfg.NumEig = 2
	cfg.Workers = 8
	cfg.QueueDepth = 2
	cfg.Remap = klt.TimeRemap{Offset: 1000}

	src := toneSource(t, 0.05, []source.Tone{{Frequency: scenarioTone, Amplitude: 1}}, 0.1)
	var frames []klt.Frame
	stats, err := Transform(context.Background(), src, cfg, func(f klt.Frame, dec *klt.Decomposition) error {
		if assert.NotNil(t, dec) {
			assert.Equal(t, 32, dec.Order())
		}
		assert.Equal(t, 2, f.Len())
		frames = append(frames, f)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, frames, int(stats.Frames))
	for i, f := range frames {
		assert.Equal(t, int64(i*24), f.Index)
		assert.InDelta(t, 1000+float64(i*24)/scenarioRate, f.Time, 1e-9)
	}
}

func TestTransform_MeanEnergy(t *testing.T) {
	src := toneSource(t, 0.05, []source.Tone{{Frequency: scenarioTone, Amplitude: 1}}, 0.1)
	var total float64
	stats, err := Transform(context.Background(), src, scenarioConfig(), func(f klt.Frame, _ *klt.Decomposition) error {
		total += f.TotalEnergy()
		return nil
	})
	require.NoError(t, err)

	require.Positive(t, stats.Frames)
	assert.InDelta(t, total, stats.Energy, 1e-9)
	// a unit tone puts about klen of energy in the dominant direction
	assert.InEpsilon(t, 32.0, stats.MeanEnergy(), 0.1)
	assert.Zero(t, Stats{}.MeanEnergy())
}

func TestTransform_TaperAndNormalize(t *testing.T) {
	run := func(cfg Config) ([]klt.Frame, Stats) {
		src := toneSource(t, 0.05, []source.Tone{{Frequency: scenarioTone, Amplitude: 1}}, 0.1)
		var frames []klt.Frame
		stats, err := Transform(context.Background(), src, cfg, func(f klt.Frame, _ *klt.Decomposition) error {
			frames = append(frames, f)
			return nil
		})
		require.NoError(t, err)
		return frames, stats
	}

	cfg := scenarioConfig()
	cfg.NumEig = 2
	plain, plainStats := run(cfg)

	cfg.Taper = klt.TaperFlatTop
	cfg.NormalizeEigenvalues = true
	tapered, taperedStats := run(cfg)

	require.Len(t, tapered, len(plain))
	for _, f := range tapered {
		assert.InDelta(t, 1.0, f.Values[0], 1e-12)
		assert.LessOrEqual(t, f.Values[1], 1.0)
		assert.InDelta(t, scenarioTone, f.Freqs[0], 250)
	}
	// the flat-top peak gain is well above 1
	assert.Greater(t, taperedStats.MeanEnergy(), plainStats.MeanEnergy())
}

func TestTransform_FastPathHasNoDecomposition(t *testing.T) {
	src := toneSource(t, 0.01, []source.Tone{{Frequency: scenarioTone, Amplitude: 1}}, 0.1)
	calls := 0
	_, err := Transform(context.Background(), src, scenarioConfig(), func(f klt.Frame, dec *klt.Decomposition) error {
		calls++
		assert.Nil(t, dec)
		assert.Equal(t, 1, f.Len())
		return nil
	})
	require.NoError(t, err)
	assert.Positive(t, calls)
}

func TestTransform_SinkErrorAborts(t *testing.T) {
	boom := errors.New("boom")
	src := toneSource(t, 1, nil, 0.1)
	n := 0
	_, err := Transform(context.Background(), src, scenarioConfig(), func(klt.Frame, *klt.Decomposition) error {
		n++
		if n == 5 {
			return boom
		}
		return nil
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 5, n)
}

func TestTransform_SinkPanicBecomesError(t *testing.T) {
	src := toneSource(t, 0.01, nil, 0.1)
	_, err := Transform(context.Background(), src, scenarioConfig(), func(klt.Frame, *klt.Decomposition) error {
		panic("sink exploded")
	})
	var pe *recovery.PanicError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, "collect", pe.Stage)
}

func TestTransform_ShortStream(t *testing.T) {
	stats, err := Transform(context.Background(), source.NewSlice(make([]complex128, 20)), scenarioConfig(), nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Windows)
	assert.Equal(t, 20, stats.Dropped)
}

func TestTransform_Canceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Transform(ctx, toneSource(t, 1, nil, 0.1), scenarioConfig(), nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDetect_FatalErrorFlushesOpenEvents(t *testing.T) {
	// a tone running through the abort point leaves an open event behind
	src := toneSource(t, 1, []source.Tone{{Frequency: scenarioTone, Amplitude: 1}}, 0.05)
	boom := errors.New("boom")

	p, err := New(scenarioConfig(), nil)
	require.NoError(t, err)

	n := 0
	set, _, err := p.Detect(context.Background(), src, Hooks{Frame: func(klt.Frame, *klt.Decomposition) error {
		n++
		if n == 100 {
			return boom
		}
		return nil
	}})
	assert.ErrorIs(t, err, boom)
	require.Len(t, set.Events, 1)
	assert.Zero(t, set.Events[0].StartTime)
	assert.LessOrEqual(t, set.Events[0].StartTime, set.Events[0].EndTime)
}

func TestDetect_VerifyMode(t *testing.T) {
	scope := verify.Enable()
	defer scope.Disable()

	cfg := scenarioConfig()
	cfg.NumEig = 2
	src := toneSource(t, 0.2, []source.Tone{{Frequency: scenarioTone, Amplitude: 1, Start: 0.05, Stop: 0.15}}, 0.05)

	before := verify.Snapshot()
	p, err := New(cfg, nil)
	require.NoError(t, err)
	set, stats, err := p.Detect(context.Background(), src, Hooks{})
	require.NoError(t, err)

	require.Len(t, set.Events, 1)
	assert.Zero(t, stats.Violations)
	assert.Greater(t, verify.Snapshot().Checks-before.Checks, 2*stats.Frames)
}
