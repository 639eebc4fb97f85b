package agent

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultRequestsPerMinute is the rate cap applied when none is configured.
const DefaultRequestsPerMinute = 60

// RateLimiter implements a token bucket with exponential backoff after
// consecutive backend errors.
type RateLimiter struct {
	requestsPerMinute int
	tokens            chan struct{}
	stop              chan struct{}
	stopOnce          sync.Once

	mu                sync.Mutex
	lastRefill        time.Time
	consecutiveErrors int
	lastErrorTime     time.Time
	backoffDuration   time.Duration
}

// NewRateLimiter creates a rate limiter allowing rpm requests per minute.
// Non-positive rpm falls back to DefaultRequestsPerMinute.
func NewRateLimiter(rpm int) *RateLimiter {
	if rpm <= 0 {
		rpm = DefaultRequestsPerMinute
	}

	rl := &RateLimiter{
		requestsPerMinute: rpm,
		tokens:            make(chan struct{}, rpm),
		stop:              make(chan struct{}),
		lastRefill:        time.Now(),
	}

	for i := 0; i < rpm; i++ {
		rl.tokens <- struct{}{}
	}

	go rl.refillLoop()

	return rl
}

// Wait blocks until a token is available or ctx is done. While in backoff
// it fails immediately instead of queueing more work at a struggling
// backend.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.inBackoff() {
		return fmt.Errorf("%w: rate limiter in backoff for %s", ErrTransient, rl.backoffRemaining())
	}

	select {
	case <-rl.tokens:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RecordSuccess resets the backoff state after a successful call.
func (rl *RateLimiter) RecordSuccess() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.consecutiveErrors = 0
	rl.backoffDuration = 0
}

// RecordError extends the backoff window: 2^n seconds, capped at 5 minutes.
func (rl *RateLimiter) RecordError() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.consecutiveErrors++
	rl.lastErrorTime = time.Now()

	backoff := time.Duration(1<<uint(rl.consecutiveErrors)) * time.Second
	if backoff > 5*time.Minute {
		backoff = 5 * time.Minute
	}
	rl.backoffDuration = backoff
}

// Close stops the refill goroutine.
func (rl *RateLimiter) Close() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

// RateLimiterStats is a snapshot of the limiter state.
type RateLimiterStats struct {
	RequestsPerMinute int
	TokensAvailable   int
	ConsecutiveErrors int
	InBackoff         bool
	BackoffRemaining  time.Duration
	LastRefill        time.Time
}

// Stats returns the current limiter state.
func (rl *RateLimiter) Stats() RateLimiterStats {
	inBackoff := rl.inBackoff()
	remaining := time.Duration(0)
	if inBackoff {
		remaining = rl.backoffRemaining()
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	return RateLimiterStats{
		RequestsPerMinute: rl.requestsPerMinute,
		TokensAvailable:   len(rl.tokens),
		ConsecutiveErrors: rl.consecutiveErrors,
		InBackoff:         inBackoff,
		BackoffRemaining:  remaining,
		LastRefill:        rl.lastRefill,
	}
}

func (rl *RateLimiter) inBackoff() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.backoffDuration == 0 {
		return false
	}
	return time.Since(rl.lastErrorTime) < rl.backoffDuration
}

func (rl *RateLimiter) backoffRemaining() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if rl.backoffDuration == 0 {
		return 0
	}
	remaining := rl.backoffDuration - time.Since(rl.lastErrorTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (rl *RateLimiter) refillLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			rl.refillTokens()
		case <-rl.stop:
			return
		}
	}
}

func (rl *RateLimiter) refillTokens() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for i := len(rl.tokens); i < rl.requestsPerMinute; i++ {
		select {
		case rl.tokens <- struct{}{}:
		default:
			rl.lastRefill = time.Now()
			return
		}
	}
	rl.lastRefill = time.Now()
}
