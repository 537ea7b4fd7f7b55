// internal/dsp/goertzel_test.go
package dsp

import (
	"errors"
	"math"
	"math/cmplx"
	"testing"

	"github.com/ColonelBlimp/kltdet/internal/errkind"
)

const (
	testSampleRate    = 48000.0
	testToneFrequency = 600.0
	testBlockSize     = 512
	testNyquistFreq   = testSampleRate / 2.0
	tolerancePercent  = 0.05 // 5% tolerance for floating point comparisons
)

// generateTone creates a complex exponential at the specified signed frequency
func generateTone(frequency, sampleRate float64, numSamples int, amplitude float64) []complex128 {
	samples := make([]complex128, numSamples)
	for i := 0; i < numSamples; i++ {
		t := float64(i) / sampleRate
		samples[i] = cmplx.Rect(amplitude, 2*math.Pi*frequency*t)
	}
	return samples
}

// generateSilence creates a buffer of zeros
func generateSilence(numSamples int) []complex128 {
	return make([]complex128, numSamples)
}

func newTestGoertzel(t *testing.T, frequency float64) *Goertzel {
	t.Helper()
	g, err := NewGoertzel(GoertzelConfig{
		TargetFrequency: frequency,
		SampleRate:      testSampleRate,
		BlockSize:       testBlockSize,
	})
	if err != nil {
		t.Fatalf("NewGoertzel failed: %v", err)
	}
	return g
}

func TestNewGoertzel_ValidConfig(t *testing.T) {
	g := newTestGoertzel(t, testToneFrequency)

	if g.Config().TargetFrequency != testToneFrequency {
		t.Errorf("TargetFrequency mismatch: got %v, want %v", g.Config().TargetFrequency, testToneFrequency)
	}
	if g.Config().SampleRate != testSampleRate {
		t.Errorf("SampleRate mismatch: got %v, want %v", g.Config().SampleRate, testSampleRate)
	}
	if g.BlockSize() != testBlockSize {
		t.Errorf("BlockSize mismatch: got %v, want %v", g.BlockSize(), testBlockSize)
	}
}

func TestNewGoertzel_InvalidConfig(t *testing.T) {
	testCases := []struct {
		name string
		cfg  GoertzelConfig
		want error
	}{
		{"zero block", GoertzelConfig{testToneFrequency, testSampleRate, 0}, ErrInvalidBlockSize},
		{"negative block", GoertzelConfig{testToneFrequency, testSampleRate, -1}, ErrInvalidBlockSize},
		{"zero rate", GoertzelConfig{testToneFrequency, 0, testBlockSize}, ErrInvalidSampleRate},
		{"negative rate", GoertzelConfig{testToneFrequency, -48000, testBlockSize}, ErrInvalidSampleRate},
		{"at nyquist", GoertzelConfig{testNyquistFreq, testSampleRate, testBlockSize}, ErrInvalidFrequency},
		{"below -nyquist", GoertzelConfig{-testNyquistFreq - 1, testSampleRate, testBlockSize}, ErrInvalidFrequency},
		{"nan", GoertzelConfig{math.NaN(), testSampleRate, testBlockSize}, ErrInvalidFrequency},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewGoertzel(tc.cfg)
			if !errors.Is(err, tc.want) {
				t.Errorf("expected %v, got: %v", tc.want, err)
			}
			if !errors.Is(err, errkind.ErrInvalidParameter) {
				t.Errorf("expected an invalid parameter error, got: %v", err)
			}
		})
	}
}

func TestNewGoertzel_SignedFrequencies(t *testing.T) {
	for _, f := range []float64{-testNyquistFreq, -600, 0, 600} {
		if _, err := NewGoertzel(GoertzelConfig{f, testSampleRate, testBlockSize}); err != nil {
			t.Errorf("frequency %v rejected: %v", f, err)
		}
	}
}

func TestGoertzel_CoefficientComputation(t *testing.T) {
	g := newTestGoertzel(t, testToneFrequency)

	expectedCoeff := 2.0 * math.Cos(2.0*math.Pi*testToneFrequency/testSampleRate)
	if math.Abs(g.Coefficient()-expectedCoeff) > 1e-10 {
		t.Errorf("Coefficient mismatch: got %v, want %v", g.Coefficient(), expectedCoeff)
	}
}

func TestGoertzel_Power_MatchesDFT(t *testing.T) {
	g := newTestGoertzel(t, -1234.5)
	samples := generateTone(3000, testSampleRate, testBlockSize, 0.7)
	for i := range samples {
		samples[i] += complex(math.Sin(float64(i*7919)), math.Cos(float64(i*104729)))
	}

	var x complex128
	for n, s := range samples {
		x += s * cmplx.Rect(1, 2*math.Pi*1234.5*float64(n)/testSampleRate)
	}
	want := cmplx.Abs(x) * cmplx.Abs(x) / testBlockSize

	got, err := g.Power(samples)
	if err != nil {
		t.Fatalf("Power failed: %v", err)
	}
	if math.Abs(got-want) > 1e-6*want {
		t.Errorf("Power = %v, direct DFT = %v", got, want)
	}
}

func TestGoertzel_Power_PureTone(t *testing.T) {
	for _, f := range []float64{testToneFrequency, -testToneFrequency, 10000} {
		g := newTestGoertzel(t, f)
		p, err := g.Power(generateTone(f, testSampleRate, testBlockSize, 1.0))
		if err != nil {
			t.Fatalf("Power failed: %v", err)
		}
		// a unit tone on the bin carries BlockSize energy
		if math.Abs(p-testBlockSize) > testBlockSize*1e-9 {
			t.Errorf("tone %v Hz: expected power %v, got %v", f, testBlockSize, p)
		}
	}
}

func TestGoertzel_Power_ImageRejection(t *testing.T) {
	g := newTestGoertzel(t, testToneFrequency)

	// a complex tone at -f must not leak into the +f bin the way a real tone would
	p, err := g.Power(generateTone(-testToneFrequency, testSampleRate, testBlockSize, 1.0))
	if err != nil {
		t.Fatalf("Power failed: %v", err)
	}
	if p > 0.05*testBlockSize {
		t.Errorf("expected negligible power from the image frequency, got %v", p)
	}
}

func TestGoertzel_Magnitude_Silence(t *testing.T) {
	g := newTestGoertzel(t, testToneFrequency)

	magnitude, err := g.Magnitude(generateSilence(testBlockSize))
	if err != nil {
		t.Fatalf("Magnitude failed: %v", err)
	}
	if magnitude != 0 {
		t.Errorf("Expected zero magnitude for silence, got: %v", magnitude)
	}
}

func TestGoertzel_Magnitude_OffFrequency(t *testing.T) {
	g := newTestGoertzel(t, testToneFrequency)

	testCases := []struct {
		name      string
		frequency float64
	}{
		{"200 Hz below", testToneFrequency - 200},
		{"200 Hz above", testToneFrequency + 200},
		{"1000 Hz", 1000.0},
		{"-2000 Hz", -2000.0},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			magnitude, err := g.Magnitude(generateTone(tc.frequency, testSampleRate, testBlockSize, 1.0))
			if err != nil {
				t.Fatalf("Magnitude failed: %v", err)
			}
			if magnitude > 0.3 {
				t.Errorf("Expected low magnitude for off-frequency signal at %v Hz, got: %v", tc.frequency, magnitude)
			}
		})
	}
}

func TestGoertzel_Magnitude_VaryingAmplitudes(t *testing.T) {
	g := newTestGoertzel(t, testToneFrequency)

	for _, amplitude := range []float64{1.0, 0.5, 0.25, 0.1} {
		magnitude, err := g.Magnitude(generateTone(testToneFrequency, testSampleRate, testBlockSize, amplitude))
		if err != nil {
			t.Fatalf("Magnitude failed: %v", err)
		}
		if math.Abs(magnitude-amplitude) > amplitude*tolerancePercent {
			t.Errorf("Expected magnitude ~%v, got: %v", amplitude, magnitude)
		}
	}
}

func TestGoertzel_InsufficientSamples(t *testing.T) {
	g := newTestGoertzel(t, testToneFrequency)
	samples := generateTone(testToneFrequency, testSampleRate, testBlockSize-1, 1.0)

	if _, err := g.Power(samples); !errors.Is(err, ErrInsufficientSamples) {
		t.Errorf("expected ErrInsufficientSamples, got: %v", err)
	}
	if _, err := g.Magnitude(samples); !errors.Is(err, errkind.ErrInsufficientSamples) {
		t.Errorf("expected an insufficient samples error, got: %v", err)
	}
}

func TestGoertzel_ExtraSamples(t *testing.T) {
	g := newTestGoertzel(t, testToneFrequency)

	// only the first BlockSize samples are used
	samples := generateTone(testToneFrequency, testSampleRate, testBlockSize*2, 1.0)
	magnitude, err := g.Magnitude(samples)
	if err != nil {
		t.Fatalf("Magnitude failed: %v", err)
	}
	if math.Abs(magnitude-1) > 1e-9 {
		t.Errorf("Expected magnitude 1.0, got: %v", magnitude)
	}
}

func TestGoertzel_PowerNoAlloc(t *testing.T) {
	g := newTestGoertzel(t, testToneFrequency)
	samples := generateTone(testToneFrequency+30, testSampleRate, testBlockSize, 1.0)

	fast := g.PowerNoAlloc(samples)
	checked, _ := g.Power(samples)
	if fast != checked {
		t.Errorf("PowerNoAlloc result differs from Power: %v vs %v", fast, checked)
	}
}

func BenchmarkGoertzel_PowerNoAlloc(b *testing.B) {
	g, err := NewGoertzel(GoertzelConfig{
		TargetFrequency: testToneFrequency,
		SampleRate:      testSampleRate,
		BlockSize:       testBlockSize,
	})
	if err != nil {
		b.Fatalf("NewGoertzel failed: %v", err)
	}

	samples := generateTone(testToneFrequency, testSampleRate, testBlockSize, 1.0)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		_ = g.PowerNoAlloc(samples)
	}
}
