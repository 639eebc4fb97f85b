package agent

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransient marks a recoverable backend failure: unreachable service,
// rate limiting, malformed output. The caller decides whether to retry.
var ErrTransient = errors.New("transient generation failure")

// ErrTimedOut marks an agent call that exceeded its per-call timeout.
// Retried like ErrTransient, but counted separately for diagnostics.
var ErrTimedOut = errors.New("agent call timed out")

// ErrEmptyResponse marks a backend response with no usable text.
var ErrEmptyResponse = fmt.Errorf("%w: empty response", ErrTransient)

// Classify maps a raw backend error into the failure taxonomy.
// Context cancellation passes through untouched: the run was aborted by
// the caller and must not be retried.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimedOut, err)
	case errors.Is(err, ErrTransient), errors.Is(err, ErrTimedOut):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
}

// IsRetryable reports whether err may be retried within the same round.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrTimedOut)
}
