// internal/dsp/bandpower_test.go
package dsp

import (
	"errors"
	"math"
	"testing"

	"github.com/ColonelBlimp/kltdet/internal/errkind"
	"github.com/ColonelBlimp/kltdet/internal/klt"
)

func TestNewBandPower_InvalidConfig(t *testing.T) {
	_, err := NewBandPower(BandPowerConfig{SampleRate: testSampleRate, WindowLen: 32})
	if !errors.Is(err, ErrNoCentres) {
		t.Errorf("expected ErrNoCentres, got: %v", err)
	}

	_, err = NewBandPower(BandPowerConfig{SampleRate: testSampleRate, WindowLen: 32, Centres: []float64{100, testNyquistFreq}})
	if !errors.Is(err, ErrInvalidFrequency) {
		t.Errorf("expected ErrInvalidFrequency, got: %v", err)
	}
	if !errors.Is(err, errkind.ErrInvalidParameter) {
		t.Errorf("expected an invalid parameter error, got: %v", err)
	}
}

func TestBandPower_Frame(t *testing.T) {
	const n = 64
	centres := []float64{-6000, 6000}
	b, err := NewBandPower(BandPowerConfig{SampleRate: testSampleRate, WindowLen: n, Centres: centres})
	if err != nil {
		t.Fatalf("NewBandPower failed: %v", err)
	}
	b.SetRemap(klt.TimeRemap{Offset: 10})

	w := klt.NewWindow(128, 0.25, generateTone(6000, testSampleRate, n, 1.0))
	f, err := b.Frame(w)
	if err != nil {
		t.Fatalf("Frame failed: %v", err)
	}

	if f.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", f.Len())
	}
	if f.Index != 128 || f.Time != 10.25 {
		t.Errorf("unexpected frame position: index %d time %v", f.Index, f.Time)
	}
	if math.Abs(f.Energy[1]-n) > 1e-9 {
		t.Errorf("expected energy %v in the tone bin, got %v", n, f.Energy[1])
	}
	if f.Energy[0] > 1e-6 {
		t.Errorf("expected no energy in the other bin, got %v", f.Energy[0])
	}
	for i, c := range centres {
		if f.Freqs[i] != c {
			t.Errorf("Freqs[%d] = %v, want %v", i, f.Freqs[i], c)
		}
		if math.Abs(real(f.Coeffs[i])*real(f.Coeffs[i])-f.Energy[i]) > 1e-9 {
			t.Errorf("coefficient %d does not carry the bin energy", i)
		}
	}
}

func TestBandPower_ShortWindow(t *testing.T) {
	b, err := NewBandPower(BandPowerConfig{SampleRate: testSampleRate, WindowLen: 32, Centres: []float64{0}})
	if err != nil {
		t.Fatalf("NewBandPower failed: %v", err)
	}
	if _, err := b.Frame(klt.NewWindow(0, 0, make([]complex128, 16))); !errors.Is(err, ErrShortWindow) {
		t.Errorf("expected ErrShortWindow, got: %v", err)
	}
}

func TestBandPower_CentresCopy(t *testing.T) {
	b, err := NewBandPower(BandPowerConfig{SampleRate: testSampleRate, WindowLen: 8, Centres: []float64{1, 2}})
	if err != nil {
		t.Fatalf("NewBandPower failed: %v", err)
	}
	c := b.Centres()
	c[0] = 99
	if b.Centres()[0] != 1 {
		t.Error("Centres exposed internal state")
	}
}
