package audio

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"testing"
	"time"
)

// frames encodes interleaved stereo float32 frames.
func frames(values ...float32) []byte {
	b := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(v))
	}
	return b
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.DeviceIndex != -1 {
		t.Errorf("DefaultConfig().DeviceIndex = %d, want -1", cfg.DeviceIndex)
	}
	if cfg.SampleRate != 48000 {
		t.Errorf("DefaultConfig().SampleRate = %d, want 48000", cfg.SampleRate)
	}
	if cfg.BufferSize != 512 {
		t.Errorf("DefaultConfig().BufferSize = %d, want 512", cfg.BufferSize)
	}
	if cfg.SwapIQ {
		t.Error("DefaultConfig().SwapIQ = true, want false")
	}
}

func TestNew(t *testing.T) {
	capture := New(Config{DeviceIndex: 2, SampleRate: 44100, BufferSize: 1024})

	if capture == nil {
		t.Fatal("New() returned nil")
	}
	if capture.config.DeviceIndex != 2 {
		t.Errorf("capture.config.DeviceIndex = %d, want 2", capture.config.DeviceIndex)
	}
	if cap(capture.Samples) != 64 {
		t.Errorf("capture.Samples capacity = %d, want 64", cap(capture.Samples))
	}
	if capture.IsRunning() {
		t.Error("IsRunning() = true for new capture, want false")
	}
}

func TestCapture_SetCallback(t *testing.T) {
	capture := New(DefaultConfig())

	capture.SetCallback(func(samples []complex128) {})
	if capture.callbackPtr.Load() == nil {
		t.Error("SetCallback() did not set callback")
	}

	capture.SetCallback(nil)
	if capture.callbackPtr.Load() != nil {
		t.Error("SetCallback(nil) should clear callback")
	}
}

func TestCapture_ListDevices_NotInitialized(t *testing.T) {
	capture := New(DefaultConfig())

	if _, err := capture.ListDevices(); err != ErrNotInitialized {
		t.Errorf("ListDevices() error = %v, want ErrNotInitialized", err)
	}
}

func TestCapture_Start_NotInitialized(t *testing.T) {
	capture := New(DefaultConfig())

	if err := capture.Start(context.Background()); err != ErrNotInitialized {
		t.Errorf("Start() error = %v, want ErrNotInitialized", err)
	}
}

func TestCapture_Start_AlreadyRunning(t *testing.T) {
	capture := New(DefaultConfig())
	capture.running.Store(true)

	if err := capture.Start(context.Background()); err != ErrAlreadyRunning {
		t.Errorf("Start() when running error = %v, want ErrAlreadyRunning", err)
	}
}

func TestCapture_Stop_NotRunning(t *testing.T) {
	capture := New(DefaultConfig())

	if err := capture.Stop(); err != ErrNotRunning {
		t.Errorf("Stop() error = %v, want ErrNotRunning", err)
	}
}

func TestCapture_CloseEndsSource(t *testing.T) {
	capture := New(DefaultConfig())
	src := capture.Source()

	capture.Samples <- []complex128{1, 2i}
	if err := capture.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	buf := make([]complex128, 8)
	n, err := src.ReadSamples(context.Background(), buf)
	if n != 2 || buf[0] != 1 || buf[1] != 2i {
		t.Errorf("ReadSamples() = %d %v, want the queued block", n, buf[:n])
	}
	if err != nil && err != io.EOF {
		t.Fatalf("ReadSamples() error = %v", err)
	}
	if _, err := src.ReadSamples(context.Background(), buf); err != io.EOF {
		t.Errorf("ReadSamples() after close error = %v, want io.EOF", err)
	}
}

func TestBytesToIQ(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		swap bool
		want []complex128
	}{
		{"empty", nil, false, []complex128{}},
		{"one frame", frames(1, -0.5), false, []complex128{complex(1, -0.5)}},
		{"swapped", frames(1, -0.5), true, []complex128{complex(-0.5, 1)}},
		{"several", frames(0, 0, 0.5, 0.25, -1, 2), false, []complex128{0, complex(0.5, 0.25), complex(-1, 2)}},
		{"partial frame", append(frames(1, 1), 0x00, 0x00, 0x80, 0x3F), false, []complex128{complex(1, 1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := bytesToIQ(tt.data, tt.swap)
			if len(got) != len(tt.want) {
				t.Fatalf("length = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestBytesToIQ_SpecialValues(t *testing.T) {
	got := bytesToIQ(frames(float32(math.Inf(1)), float32(math.NaN())), false)
	if !math.IsInf(real(got[0]), 1) {
		t.Errorf("I = %v, want +Inf", real(got[0]))
	}
	if !math.IsNaN(imag(got[0])) {
		t.Errorf("Q = %v, want NaN", imag(got[0]))
	}
}

func TestErrors(t *testing.T) {
	if ErrNotInitialized.Error() != "audio capture not initialized" {
		t.Errorf("ErrNotInitialized message wrong")
	}
	if ErrAlreadyRunning.Error() != "audio capture already running" {
		t.Errorf("ErrAlreadyRunning message wrong")
	}
	if ErrNotRunning.Error() != "audio capture not running" {
		t.Errorf("ErrNotRunning message wrong")
	}
}

func TestCapture_ConcurrentSetCallbackAndRead(t *testing.T) {
	capture := New(DefaultConfig())

	var wg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				capture.SetCallback(func(samples []complex128) {})
			}
		}()
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				_ = capture.callbackPtr.Load()
				_ = capture.IsRunning()
			}
		}()
	}

	wg.Wait()
}

func BenchmarkBytesToIQ(b *testing.B) {
	data := make([]byte, 512*bytesPerFrame)
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		_ = bytesToIQ(data, false)
	}
}

func TestCapture_CloseTwice(t *testing.T) {
	capture := New(DefaultConfig())

	if err := capture.Close(); err != nil {
		t.Fatalf("first Close() error = %v", err)
	}
	if err := capture.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}

func TestCapture_Deliver_StereoToIQ(t *testing.T) {
	tests := []struct {
		name string
		swap bool
		want []complex128
	}{
		{"left is I", false, []complex128{complex(0.5, -0.25), complex(-1, 1)}},
		{"swapped", true, []complex128{complex(-0.25, 0.5), complex(1, -1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.SwapIQ = tt.swap
			capture := New(cfg)

			var seen []complex128
			capture.SetCallback(func(samples []complex128) {
				seen = samples
			})

			// two frames plus a trailing partial frame
			block := append(frames(0.5, -0.25, -1, 1), 0x01, 0x02, 0x03)
			capture.deliver(block)

			if len(seen) != len(tt.want) {
				t.Fatalf("callback got %d samples, want %d", len(seen), len(tt.want))
			}
			got := <-capture.Samples
			for i, w := range tt.want {
				if got[i] != w || seen[i] != w {
					t.Errorf("sample %d = %v (callback %v), want %v", i, got[i], seen[i], w)
				}
			}
			if capture.Dropped() != 0 {
				t.Errorf("Dropped() = %d, want 0", capture.Dropped())
			}
		})
	}
}

func TestCapture_Deliver_IgnoresShortBlock(t *testing.T) {
	capture := New(DefaultConfig())
	capture.SetCallback(func([]complex128) {
		t.Error("callback invoked for a block without a whole frame")
	})

	capture.deliver(nil)
	capture.deliver([]byte{1, 2, 3, 4, 5, 6, 7})

	if len(capture.Samples) != 0 {
		t.Errorf("Samples holds %d blocks, want 0", len(capture.Samples))
	}
}

func TestCapture_Deliver_CountsDropped(t *testing.T) {
	capture := New(DefaultConfig())
	block := frames(0.1, 0.2)

	for i := 0; i < cap(capture.Samples); i++ {
		capture.deliver(block)
	}
	if capture.Dropped() != 0 {
		t.Fatalf("Dropped() = %d before the queue filled", capture.Dropped())
	}

	capture.deliver(block)
	capture.deliver(block)
	if capture.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", capture.Dropped())
	}
}

func TestCapture_Deliver_SourceEndsOnClose(t *testing.T) {
	capture := New(DefaultConfig())
	src := capture.Source()

	capture.deliver(frames(1, 0, 0, 1, -1, 0))
	capture.deliver(frames(0, -1))
	if err := capture.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	var got []complex128
	buf := make([]complex128, 2)
	for {
		n, err := src.ReadSamples(ctx, buf)
		got = append(got, buf[:n]...)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadSamples() error = %v", err)
		}
	}

	want := []complex128{1, 1i, -1, -1i}
	if len(got) != len(want) {
		t.Fatalf("read %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("sample %d = %v, want %v", i, got[i], want[i])
		}
	}
}
