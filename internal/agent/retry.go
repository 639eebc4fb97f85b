package agent

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Default retry pacing.
const (
	DefaultInitialBackoff = 2 * time.Second
	DefaultMaxBackoff     = 60 * time.Second
)

// RetryPolicy bounds the retries of a single agent call within one round.
type RetryPolicy struct {
	// Limit is the number of additional attempts after the first call.
	// Zero means the call is made exactly once.
	Limit int

	// PerCallTimeout bounds each individual attempt. Zero disables the
	// per-attempt deadline.
	PerCallTimeout time.Duration

	// InitialBackoff and MaxBackoff shape the exponential backoff between
	// attempts. Zero values use the defaults.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnRetry, when set, is notified after each failed attempt with the
	// 1-based attempt number and the classified error.
	OnRetry func(attempt int, err error)
}

// CallWithRetry invokes ag.Respond, retrying transient and timed-out
// failures with exponential backoff. A response with no usable text counts
// as a transient failure. Non-retryable errors (context cancellation) abort
// immediately; once the limit is exhausted the last error is returned
// wrapped.
func CallWithRetry(ctx context.Context, ag Agent, roleInstruction string, exchanges []Exchange, policy RetryPolicy) (string, error) {
	backoff := policy.InitialBackoff
	if backoff <= 0 {
		backoff = DefaultInitialBackoff
	}
	maxBackoff := policy.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}

	var lastErr error
	for attempt := 0; attempt <= policy.Limit; attempt++ {
		out, err := respondOnce(ctx, ag, roleInstruction, exchanges, policy.PerCallTimeout)
		if err == nil {
			return out, nil
		}
		if !IsRetryable(err) {
			return "", err
		}

		lastErr = err
		if policy.OnRetry != nil {
			policy.OnRetry(attempt+1, err)
		}
		if attempt == policy.Limit {
			break
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", ctx.Err()
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}

	return "", fmt.Errorf("retries exhausted after %d attempts: %w", policy.Limit+1, lastErr)
}

func respondOnce(ctx context.Context, ag Agent, roleInstruction string, exchanges []Exchange, timeout time.Duration) (string, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := ag.Respond(ctx, roleInstruction, exchanges)
	if err != nil {
		return "", Classify(err)
	}
	if strings.TrimSpace(out) == "" {
		return "", ErrEmptyResponse
	}
	return out, nil
}
