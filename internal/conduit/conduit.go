// internal/conduit/conduit.go

// Package conduit streams numeric rows to an external monitor process
// through a named FIFO. A conduit is opened with Enable and must be closed
// with Disable on every exit path; Disable removes a FIFO that Enable
// created.
package conduit

import (
	"fmt"
	"strconv"
	"time"

	"github.com/ColonelBlimp/kltdet/internal/errkind"
)

// DefaultTimeout bounds a single write into the FIFO when no monitor reads.
const DefaultTimeout = 5 * time.Second

var (
	// ErrInvalidPath indicates the FIFO path must not be empty
	ErrInvalidPath = fmt.Errorf("%w: conduit path must not be empty", errkind.ErrInvalidParameter)
	// ErrInvalidColumns indicates rows need at least one column
	ErrInvalidColumns = fmt.Errorf("%w: conduit columns must be at least 1", errkind.ErrInvalidParameter)
	// ErrColumnMismatch indicates a row with the wrong number of values
	ErrColumnMismatch = fmt.Errorf("%w: row does not match the conduit column count", errkind.ErrConduit)
	// ErrNotFIFO indicates the path exists and is not a named pipe
	ErrNotFIFO = fmt.Errorf("%w: path exists and is not a FIFO", errkind.ErrConduit)
	// ErrClosed indicates a write after Disable
	ErrClosed = fmt.Errorf("%w: conduit is closed", errkind.ErrConduit)
	// ErrUnsupported indicates named FIFOs are not available on this platform
	ErrUnsupported = fmt.Errorf("%w: named FIFOs are not supported on this platform", errkind.ErrConduit)
)

func validate(path string, columns int) error {
	if path == "" {
		return ErrInvalidPath
	}
	if columns < 1 {
		return ErrInvalidColumns
	}
	return nil
}

// appendRow formats values as one whitespace-separated text line.
func appendRow(buf []byte, values []float64) []byte {
	for i, v := range values {
		if i > 0 {
			buf = append(buf, ' ')
		}
		buf = strconv.AppendFloat(buf, v, 'g', -1, 64)
	}
	return append(buf, '\n')
}
