// internal/conduit/conduit_other.go

//go:build !unix

package conduit

import (
	"context"
	"time"
)

// Conduit is unavailable on this platform.
type Conduit struct{}

// Enable always fails: there are no named FIFOs here.
func Enable(path string, columns int) (*Conduit, error) {
	if err := validate(path, columns); err != nil {
		return nil, err
	}
	return nil, ErrUnsupported
}

func (c *Conduit) SetTimeout(d time.Duration) {}

func (c *Conduit) Watch(ctx context.Context) (stop func() bool) {
	return func() bool { return false }
}

func (c *Conduit) WriteRow(values ...float64) error { return ErrUnsupported }
func (c *Conduit) Flush() error                     { return ErrUnsupported }
func (c *Conduit) Disable() error                   { return nil }
func (c *Conduit) Path() string                     { return "" }
func (c *Conduit) Columns() int                     { return 0 }
func (c *Conduit) Rows() int64                      { return 0 }
