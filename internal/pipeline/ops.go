// internal/pipeline/ops.go
package pipeline

import (
	"context"

	"github.com/ColonelBlimp/kltdet/internal/detect"
	"github.com/ColonelBlimp/kltdet/internal/source"
)

// Transform runs windowing, decomposition and projection over src with cfg
// and hands each frame to sink in stream order.
func Transform(ctx context.Context, src source.Source, cfg Config, sink FrameSink) (Stats, error) {
	p, err := New(cfg, nil)
	if err != nil {
		return Stats{}, err
	}
	return p.Transform(ctx, src, sink)
}

// Detect runs the full pipeline over src with cfg and returns the
// detection set.
func Detect(ctx context.Context, src source.Source, cfg Config) (detect.Set, error) {
	p, err := New(cfg, nil)
	if err != nil {
		return detect.Set{}, err
	}
	set, _, err := p.Detect(ctx, src, Hooks{})
	return set, err
}
