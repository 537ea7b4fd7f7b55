// internal/audio/capture.go

// Package audio captures complex baseband from a stereo sound card fed by
// an IQ receiver: the left channel carries I, the right channel Q.
package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/gen2brain/malgo"

	"github.com/ColonelBlimp/kltdet/internal/source"
)

var (
	ErrNotInitialized = errors.New("audio capture not initialized")
	ErrAlreadyRunning = errors.New("audio capture already running")
	ErrNotRunning     = errors.New("audio capture not running")
)

// channels is fixed: one for I, one for Q.
const channels = 2

// bytesPerFrame is one interleaved stereo float32 frame.
const bytesPerFrame = channels * 4

// Config holds audio capture configuration
type Config struct {
	DeviceIndex int    // -1 for default device
	SampleRate  uint32 // e.g., 48000; also the complex sample rate
	BufferSize  uint32 // frames per callback
	SwapIQ      bool   // take I from the right channel instead
}

// DefaultConfig returns sensible defaults for IQ capture
func DefaultConfig() Config {
	return Config{
		DeviceIndex: -1,
		SampleRate:  48000,
		BufferSize:  512,
	}
}

// IQCallback is called directly from the audio thread with new samples.
// Use for low-latency processing. Must be non-blocking and fast.
type IQCallback func(samples []complex128)

// Capture handles real-time IQ sampling from a stereo audio device
type Capture struct {
	config  Config
	ctx     *malgo.AllocatedContext
	device  *malgo.Device
	running atomic.Bool
	mu      sync.RWMutex
	dropped atomic.Int64
	closed  sync.Once

	// Callback for real-time processing (atomic for lock-free audio thread access)
	callbackPtr atomic.Pointer[IQCallback]

	// Output channel for complex sample blocks
	Samples chan []complex128
}

// New creates a new audio capture instance
func New(cfg Config) *Capture {
	return &Capture{
		config:  cfg,
		Samples: make(chan []complex128, 64),
	}
}

// Source exposes the capture as a sample source for the pipeline. The
// source ends when the capture is closed.
func (c *Capture) Source() source.Source {
	return source.FromBlocks(c.Samples)
}

// SetCallback sets a callback for real-time sample processing.
// The callback is invoked directly from the audio thread - it must be
// non-blocking and fast.
func (c *Capture) SetCallback(cb IQCallback) {
	if cb == nil {
		c.callbackPtr.Store(nil)
	} else {
		c.callbackPtr.Store(&cb)
	}
}

// Init initializes the audio backend
func (c *Capture) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("init audio context: %w", err)
	}
	c.ctx = ctx

	return nil
}

// ListDevices returns available capture devices
func (c *Capture) ListDevices() ([]malgo.DeviceInfo, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.ctx == nil {
		return nil, ErrNotInitialized
	}

	infos, err := c.ctx.Devices(malgo.Capture)
	if err != nil {
		return nil, fmt.Errorf("enumerate devices: %w", err)
	}

	return infos, nil
}

// Start begins audio capture. Capture stops when ctx is canceled.
func (c *Capture) Start(ctx context.Context) error {
	if c.running.Load() {
		return ErrAlreadyRunning
	}
	c.mu.RLock()
	initialized := c.ctx != nil
	c.mu.RUnlock()
	if !initialized {
		return ErrNotInitialized
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.SampleRate = c.config.SampleRate
	deviceConfig.PeriodSizeInFrames = c.config.BufferSize
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = channels

	// Select specific device if requested
	if c.config.DeviceIndex >= 0 {
		devices, err := c.ListDevices()
		if err != nil {
			return err
		}
		if c.config.DeviceIndex >= len(devices) {
			return fmt.Errorf("device index %d out of range (have %d devices)",
				c.config.DeviceIndex, len(devices))
		}
		deviceConfig.Capture.DeviceID = devices[c.config.DeviceIndex].ID.Pointer()
	}

	onRecvFrames := func(outputSamples, inputSamples []byte, frameCount uint32) {
		c.deliver(inputSamples)
	}

	c.mu.Lock()
	device, err := malgo.InitDevice(c.ctx.Context, deviceConfig, malgo.DeviceCallbacks{Data: onRecvFrames})
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("init device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		c.mu.Unlock()
		return fmt.Errorf("start device: %w", err)
	}
	c.device = device
	c.running.Store(true)
	c.mu.Unlock()

	// Wait for context cancellation
	go func() {
		<-ctx.Done()
		_ = c.Stop()
	}()

	return nil
}

// Stop stops audio capture
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running.Load() {
		return ErrNotRunning
	}

	if c.device != nil {
		_ = c.device.Stop()
		c.device.Uninit()
		c.device = nil
	}

	c.running.Store(false)
	return nil
}

// Close releases all audio resources and closes Samples, which ends the
// pipeline source. Close may be called more than once.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() && c.device != nil {
		_ = c.device.Stop()
		c.device.Uninit()
		c.device = nil
		c.running.Store(false)
	}

	if c.ctx != nil {
		if err := c.ctx.Uninit(); err != nil {
			return fmt.Errorf("uninit context: %w", err)
		}
		c.ctx.Free()
		c.ctx = nil
	}

	c.closed.Do(func() { close(c.Samples) })
	return nil
}

// deliver converts one block of stereo frames to IQ and hands it to the
// callback and to Samples. It runs on the audio thread and never blocks.
func (c *Capture) deliver(input []byte) {
	if len(input) < bytesPerFrame {
		return
	}

	samples := bytesToIQ(input, c.config.SwapIQ)

	if cb := c.callbackPtr.Load(); cb != nil {
		(*cb)(samples)
	}

	// Non-blocking send to prevent callback blocking
	select {
	case c.Samples <- samples:
	default:
		// consumer too slow: the block is lost
		c.dropped.Add(1)
	}
}

// IsRunning returns true if capture is active
func (c *Capture) IsRunning() bool {
	return c.running.Load()
}

// Dropped returns the number of blocks lost because Samples was full.
func (c *Capture) Dropped() int64 {
	return c.dropped.Load()
}

// bytesToIQ converts interleaved little-endian float32 stereo frames into
// complex samples. A trailing partial frame is ignored.
func bytesToIQ(data []byte, swap bool) []complex128 {
	n := len(data) / bytesPerFrame
	samples := make([]complex128, n)

	for i := 0; i < n; i++ {
		off := i * bytesPerFrame
		left := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off:])))
		right := float64(math.Float32frombits(binary.LittleEndian.Uint32(data[off+4:])))
		if swap {
			left, right = right, left
		}
		samples[i] = complex(left, right)
	}

	return samples
}
