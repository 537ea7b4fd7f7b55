// cmd/input.go
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/ColonelBlimp/kltdet/internal/audio"
	"github.com/ColonelBlimp/kltdet/internal/source"
)

// openInput opens a cf32 capture file, or the sound card when live is set.
// A live capture runs for duration and then ends the stream. The returned
// release must always be called.
func (e *env) openInput(ctx context.Context, path string, live bool, duration time.Duration) (source.Source, func(), error) {
	if !live {
		f, err := source.Open(path)
		if err != nil {
			return nil, nil, err
		}
		return f, func() { _ = f.Close() }, nil
	}

	if duration <= 0 {
		return nil, nil, fmt.Errorf("live capture needs a positive --duration")
	}
	capture := audio.New(audio.Config{
		DeviceIndex: e.settings.DeviceIndex,
		SampleRate:  uint32(e.settings.SampleRate),
		BufferSize:  uint32(e.settings.BufferSize),
		SwapIQ:      e.settings.SwapIQ,
	})
	if err := capture.Init(); err != nil {
		return nil, nil, fmt.Errorf("audio: %w", err)
	}

	captureCtx, cancel := context.WithTimeout(ctx, duration)
	if err := capture.Start(captureCtx); err != nil {
		cancel()
		_ = capture.Close()
		return nil, nil, fmt.Errorf("audio: %w", err)
	}
	e.log.WithField("duration", duration).Info("capturing from sound card")

	// closing the capture ends the source, so the pipeline drains normally
	go func() {
		<-captureCtx.Done()
		_ = capture.Close()
	}()

	release := func() {
		cancel()
		_ = capture.Close()
		if n := capture.Dropped(); n > 0 {
			e.log.WithField("blocks", n).Warn("capture blocks dropped")
		}
	}
	return capture.Source(), release, nil
}
