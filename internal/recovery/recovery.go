// internal/recovery/recovery.go
package recovery

import (
	"fmt"
	"os"
	"runtime/debug"
)

// HandlePanic should be deferred at the top of main().
// It logs panic details and exits with code 1.
func HandlePanic() {
	if r := recover(); r != nil {
		_, _ = fmt.Fprintf(os.Stderr, "FATAL: %v\n\nStack trace:\n%s\n", r, debug.Stack())
		os.Exit(1)
	}
}

// PanicError is returned by Guard when a pipeline stage panicked.
type PanicError struct {
	Stage string
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic in %s stage: %v", e.Stage, e.Value)
}

// Guard converts a panic in a pipeline goroutine into an error stored in *errp,
// so the errgroup tears the pipeline down instead of crashing the process.
//
//	g.Go(func() (err error) {
//		defer recovery.Guard("decompose", &err)
//		return stage(ctx)
//	})
func Guard(stage string, errp *error) {
	if r := recover(); r != nil {
		*errp = &PanicError{Stage: stage, Value: r, Stack: debug.Stack()}
	}
}
