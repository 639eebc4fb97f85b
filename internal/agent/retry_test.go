package agent

import (
	"context"
	"errors"
	"testing"
	"time"
)

// flakyAgent fails a fixed number of times before succeeding.
type flakyAgent struct {
	failures int
	calls    int
	err      error
}

func (f *flakyAgent) Respond(ctx context.Context, roleInstruction string, exchanges []Exchange) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	return "recovered", nil
}

func fastPolicy(limit int) RetryPolicy {
	return RetryPolicy{
		Limit:          limit,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     time.Millisecond,
	}
}

func TestCallWithRetrySucceedsFirstTry(t *testing.T) {
	ag := &flakyAgent{failures: 0}

	out, err := CallWithRetry(context.Background(), ag, "instruction", nil, fastPolicy(3))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if out != "recovered" {
		t.Errorf("Expected 'recovered', got %q", out)
	}
	if ag.calls != 1 {
		t.Errorf("Expected 1 call, got %d", ag.calls)
	}
}

func TestCallWithRetryRecoversFromTransient(t *testing.T) {
	ag := &flakyAgent{failures: 2, err: ErrTransient}

	var retries []int
	policy := fastPolicy(3)
	policy.OnRetry = func(attempt int, err error) {
		retries = append(retries, attempt)
	}

	out, err := CallWithRetry(context.Background(), ag, "instruction", nil, policy)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if out != "recovered" {
		t.Errorf("Expected 'recovered', got %q", out)
	}
	if ag.calls != 3 {
		t.Errorf("Expected 3 calls, got %d", ag.calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Errorf("Expected retry attempts [1 2], got %v", retries)
	}
}

func TestCallWithRetryExhaustsLimit(t *testing.T) {
	ag := &flakyAgent{failures: 10, err: ErrTransient}

	_, err := CallWithRetry(context.Background(), ag, "instruction", nil, fastPolicy(2))
	if err == nil {
		t.Fatal("Expected error after exhausting retries")
	}
	if !errors.Is(err, ErrTransient) {
		t.Errorf("Expected ErrTransient in chain, got %v", err)
	}
	if ag.calls != 3 {
		t.Errorf("Expected 3 calls (1 + 2 retries), got %d", ag.calls)
	}
}

func TestCallWithRetryZeroLimitCallsOnce(t *testing.T) {
	ag := &flakyAgent{failures: 10, err: ErrTransient}

	_, err := CallWithRetry(context.Background(), ag, "instruction", nil, fastPolicy(0))
	if err == nil {
		t.Fatal("Expected error")
	}
	if ag.calls != 1 {
		t.Errorf("Expected exactly 1 call, got %d", ag.calls)
	}
}

func TestCallWithRetryEmptyResponseIsRetryable(t *testing.T) {
	calls := 0
	ag := respondFunc(func(ctx context.Context, instruction string, exchanges []Exchange) (string, error) {
		calls++
		if calls == 1 {
			return "   ", nil
		}
		return "usable", nil
	})

	out, err := CallWithRetry(context.Background(), ag, "instruction", nil, fastPolicy(1))
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if out != "usable" {
		t.Errorf("Expected 'usable', got %q", out)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestCallWithRetryCancellationNotRetried(t *testing.T) {
	ag := &flakyAgent{failures: 10, err: context.Canceled}

	_, err := CallWithRetry(context.Background(), ag, "instruction", nil, fastPolicy(3))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if ag.calls != 1 {
		t.Errorf("Cancellation must not be retried, got %d calls", ag.calls)
	}
}

func TestCallWithRetryPerCallTimeout(t *testing.T) {
	ag := respondFunc(func(ctx context.Context, instruction string, exchanges []Exchange) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	policy := fastPolicy(0)
	policy.PerCallTimeout = 10 * time.Millisecond

	_, err := CallWithRetry(context.Background(), ag, "instruction", nil, policy)
	if !errors.Is(err, ErrTimedOut) {
		t.Fatalf("Expected ErrTimedOut, got %v", err)
	}
}

// respondFunc adapts a function to the Agent interface.
type respondFunc func(ctx context.Context, roleInstruction string, exchanges []Exchange) (string, error)

func (f respondFunc) Respond(ctx context.Context, roleInstruction string, exchanges []Exchange) (string, error) {
	return f(ctx, roleInstruction, exchanges)
}

func TestClassifyTaxonomy(t *testing.T) {
	if Classify(nil) != nil {
		t.Error("nil error should classify to nil")
	}

	if err := Classify(context.Canceled); !errors.Is(err, context.Canceled) || IsRetryable(err) {
		t.Errorf("Canceled must pass through non-retryable, got %v", err)
	}

	if err := Classify(context.DeadlineExceeded); !errors.Is(err, ErrTimedOut) {
		t.Errorf("DeadlineExceeded must map to ErrTimedOut, got %v", err)
	}

	if err := Classify(errors.New("connection refused")); !errors.Is(err, ErrTransient) {
		t.Errorf("Unknown errors must map to ErrTransient, got %v", err)
	}

	if !IsRetryable(ErrEmptyResponse) {
		t.Error("ErrEmptyResponse must be retryable")
	}
	if !IsRetryable(ErrTimedOut) {
		t.Error("ErrTimedOut must be retryable")
	}
}
