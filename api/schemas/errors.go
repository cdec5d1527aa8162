package schemas

import (
	"errors"
	"fmt"
	"time"
)

// ErrHandlerClosed is returned by Download once the handler has been closed
// or is shutting down.
var ErrHandlerClosed = errors.New("download handler is closed")

// LaunchError wraps a browser process launch failure. Launch failures are
// fatal to the requesting download and are not retried internally.
type LaunchError struct {
	Kind string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("failed to launch %s browser: %v", e.Kind, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// NavigationTimeoutError reports that a page navigation did not complete
// within the effective timeout. The page and its context remain usable; the
// caller decides whether to retry.
type NavigationTimeoutError struct {
	URL     string
	Timeout time.Duration
}

func (e *NavigationTimeoutError) Error() string {
	return fmt.Sprintf("navigation to %s timed out after %s", e.URL, e.Timeout)
}

// OperationError reports the failure of a page operation. Operations after
// the failing one do not run.
type OperationError struct {
	Index int
	Name  string
	Err   error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("page operation %d (%s) failed: %v", e.Index, e.Name, e.Err)
}

func (e *OperationError) Unwrap() error { return e.Err }
