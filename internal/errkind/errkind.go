// internal/errkind/errkind.go

// Package errkind holds the error categories shared by every stage of the
// detector. Package-level sentinels wrap one of these with %w so callers can
// classify any failure with errors.Is.
package errkind

import "errors"

var (
	// ErrInsufficientSamples indicates the source ended before a full window was available.
	// Recoverable: the partial tail is dropped.
	ErrInsufficientSamples = errors.New("insufficient samples")
	// ErrDecomposition indicates a window's covariance could not be decomposed.
	// Fatal for that window only.
	ErrDecomposition = errors.New("decomposition error")
	// ErrInvalidParameter indicates a configuration value is out of range or malformed.
	// Surfaced before any processing starts.
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrConduit indicates the streaming conduit could not be opened, written or closed.
	ErrConduit = errors.New("conduit error")
)

// Fatal reports whether err must abort a pipeline run.
// Insufficient samples and per-window decomposition failures are absorbed by the pipeline.
func Fatal(err error) bool {
	if err == nil {
		return false
	}
	return !errors.Is(err, ErrInsufficientSamples) && !errors.Is(err, ErrDecomposition)
}
