// internal/source/source.go

// Package source provides the sample sources the detector consumes: raw cf32
// capture files, in-memory buffers, block channels fed by live capture, and a
// synthetic tone generator used by scenarios and tests.
package source

import (
	"context"
	"io"
)

// Source supplies complex baseband samples at a fixed sample rate.
type Source interface {
	// ReadSamples fills dst and returns the number of samples written.
	// It returns io.EOF once the stream is exhausted; n may be non-zero
	// together with io.EOF.
	ReadSamples(ctx context.Context, dst []complex128) (int, error)
}

// Slice is an in-memory Source.
type Slice struct {
	samples []complex128
	pos     int
}

// NewSlice returns a Source over samples. The slice is not copied and must
// not be modified while the Source is in use.
func NewSlice(samples []complex128) *Slice {
	return &Slice{samples: samples}
}

func (s *Slice) ReadSamples(ctx context.Context, dst []complex128) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if s.pos >= len(s.samples) {
		return 0, io.EOF
	}
	n := copy(dst, s.samples[s.pos:])
	s.pos += n
	if s.pos >= len(s.samples) {
		return n, io.EOF
	}
	return n, nil
}

// Blocks adapts a channel of sample blocks into a Source. The stream ends
// when the channel is closed.
type Blocks struct {
	ch      <-chan []complex128
	pending []complex128
}

// FromBlocks returns a Source reading from ch.
func FromBlocks(ch <-chan []complex128) *Blocks {
	return &Blocks{ch: ch}
}

func (b *Blocks) ReadSamples(ctx context.Context, dst []complex128) (int, error) {
	for len(b.pending) == 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case blk, ok := <-b.ch:
			if !ok {
				return 0, io.EOF
			}
			b.pending = blk
		}
	}
	n := copy(dst, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

// ReadAll drains src into memory.
func ReadAll(ctx context.Context, src Source) ([]complex128, error) {
	var out []complex128
	buf := make([]complex128, 4096)
	for {
		n, err := src.ReadSamples(ctx, buf)
		out = append(out, buf[:n]...)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}
