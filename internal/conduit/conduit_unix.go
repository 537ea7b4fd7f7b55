// internal/conduit/conduit_unix.go

//go:build unix

package conduit

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ColonelBlimp/kltdet/internal/errkind"
)

// Conduit is an open FIFO accepting fixed-width numeric rows. It is safe
// for concurrent use.
type Conduit struct {
	path    string
	columns int
	created bool
	fd      *os.File

	// cause is set once the watched context ends; writes fail with it.
	cause atomic.Pointer[error]

	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	buf     []byte
	rows    int64
	timeout time.Duration
}

// Enable creates the FIFO at path (reusing an existing one) and opens it.
// The FIFO is opened read-write so Enable does not wait for the monitor to
// attach. Every write into the pipe carries a deadline of Timeout, so a
// monitor that stops reading fails the writer with ErrConduit instead of
// blocking it.
func Enable(path string, columns int) (*Conduit, error) {
	if err := validate(path, columns); err != nil {
		return nil, err
	}

	created := true
	if err := unix.Mkfifo(path, 0o600); err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return nil, fmt.Errorf("%w: mkfifo %s: %w", errkind.ErrConduit, path, err)
		}
		info, statErr := os.Stat(path)
		if statErr != nil {
			return nil, fmt.Errorf("%w: stat %s: %w", errkind.ErrConduit, path, statErr)
		}
		if info.Mode()&os.ModeNamedPipe == 0 {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFIFO)
		}
		created = false
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if created {
			_ = os.Remove(path)
		}
		return nil, fmt.Errorf("%w: open %s: %w", errkind.ErrConduit, path, err)
	}

	c := &Conduit{
		path:    path,
		columns: columns,
		created: created,
		fd:      f,
		file:    f,
		timeout: DefaultTimeout,
	}
	c.w = bufio.NewWriter(deadlineWriter{c})
	return c, nil
}

// SetTimeout sets how long a single write may wait for the reader.
// Zero or negative restores DefaultTimeout.
func (c *Conduit) SetTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultTimeout
	}
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

// Watch fails pending and future writes once ctx is done. A write blocked
// on a full pipe returns immediately. The returned stop detaches the watch.
func (c *Conduit) Watch(ctx context.Context) (stop func() bool) {
	return context.AfterFunc(ctx, func() {
		cause := context.Cause(ctx)
		c.cause.Store(&cause)
		_ = c.fd.SetWriteDeadline(time.Unix(1, 0))
	})
}

// deadlineWriter refreshes the write deadline before every write into the
// pipe. bufio only calls it with the mutex held.
type deadlineWriter struct {
	c *Conduit
}

func (d deadlineWriter) Write(p []byte) (int, error) {
	c := d.c
	if err := c.fd.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		return 0, err
	}
	// checked after the refresh so a concurrent Watch cannot be overwritten
	if cause := c.cause.Load(); cause != nil {
		return 0, *cause
	}
	n, err := c.fd.Write(p)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if cause := c.cause.Load(); cause != nil {
			return n, fmt.Errorf("%w: %w", *cause, err)
		}
		return n, fmt.Errorf("no reader for %s: %w", c.timeout, err)
	}
	return n, err
}

// WriteRow buffers one row. It must hold exactly Columns values.
func (c *Conduit) WriteRow(values ...float64) error {
	if len(values) != c.columns {
		return fmt.Errorf("%d values for %d columns: %w", len(values), c.columns, ErrColumnMismatch)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return ErrClosed
	}
	c.buf = appendRow(c.buf[:0], values)
	if _, err := c.w.Write(c.buf); err != nil {
		return fmt.Errorf("%w: write %s: %w", errkind.ErrConduit, c.path, err)
	}
	c.rows++
	return nil
}

// Flush pushes buffered rows into the FIFO.
func (c *Conduit) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return ErrClosed
	}
	if err := c.w.Flush(); err != nil {
		return fmt.Errorf("%w: flush %s: %w", errkind.ErrConduit, c.path, err)
	}
	return nil
}

// Disable flushes, closes the FIFO and removes it if Enable created it.
// Calling Disable again is a no-op.
func (c *Conduit) Disable() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.file == nil {
		return nil
	}
	var errs []error
	if err := c.w.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}
	if err := c.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	c.file = nil
	if c.created {
		if err := os.Remove(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, fmt.Errorf("remove: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %s: %w", errkind.ErrConduit, c.path, err)
	}
	return nil
}

// Path returns the FIFO path.
func (c *Conduit) Path() string {
	return c.path
}

// Columns returns the row width.
func (c *Conduit) Columns() int {
	return c.columns
}

// Rows returns the number of rows written.
func (c *Conduit) Rows() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rows
}
