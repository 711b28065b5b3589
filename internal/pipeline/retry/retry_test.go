package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTransient = errors.New("rate limited")

func fastPolicy(maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	res := Do(context.Background(), fastPolicy(3), func(error) bool { return true }, func(context.Context) error {
		calls++
		return nil
	})

	if res.Exhausted || res.Err != nil {
		t.Fatalf("expected success, got %+v", res)
	}
	if res.Attempts != 1 || calls != 1 {
		t.Errorf("expected single attempt, got attempts=%d calls=%d", res.Attempts, calls)
	}
}

func TestDoRetriesThenSucceeds(t *testing.T) {
	// Fails twice, succeeds on the third attempt.
	calls := 0
	res := Do(context.Background(), fastPolicy(3), func(error) bool { return true }, func(context.Context) error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})

	if res.Exhausted || res.Err != nil {
		t.Fatalf("expected eventual success, got %+v", res)
	}
	if res.Attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", res.Attempts)
	}
}

func TestDoExhaustsRetries(t *testing.T) {
	calls := 0
	res := Do(context.Background(), fastPolicy(3), func(error) bool { return true }, func(context.Context) error {
		calls++
		return errTransient
	})

	if !res.Exhausted {
		t.Fatal("expected exhausted result")
	}
	if !errors.Is(res.Err, errTransient) {
		t.Errorf("expected last error to surface, got %v", res.Err)
	}
	if calls != 3 {
		t.Errorf("expected exactly maxAttempts calls, got %d", calls)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("schema mismatch")
	calls := 0
	res := Do(context.Background(), fastPolicy(5), func(err error) bool { return errors.Is(err, errTransient) }, func(context.Context) error {
		calls++
		return permanent
	})

	if calls != 1 {
		t.Errorf("non-retryable error must not be retried, got %d calls", calls)
	}
	if !res.Exhausted || !errors.Is(res.Err, permanent) {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Do(ctx, fastPolicy(3), func(error) bool { return true }, func(context.Context) error {
		t.Fatal("fn must not run on a cancelled context")
		return nil
	})

	if !res.Exhausted || !errors.Is(res.Err, context.Canceled) {
		t.Errorf("expected cancellation result, got %+v", res)
	}
}

func TestBackoffDoubling(t *testing.T) {
	p := Policy{MaxAttempts: 4, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{attempt: 0, want: time.Second},
		{attempt: 1, want: 2 * time.Second},
		{attempt: 2, want: 4 * time.Second},
		{attempt: 5, want: 30 * time.Second}, // capped
	}
	for _, tt := range tests {
		if got := p.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoffJitterHandlesTinyDelays(t *testing.T) {
	p := Policy{MaxAttempts: 2, BaseDelay: time.Nanosecond, Jitter: true}

	for attempt := 0; attempt < 3; attempt++ {
		got := p.backoff(attempt)
		if got < p.BaseDelay<<uint(attempt) {
			t.Errorf("backoff(%d) = %v, below base delay", attempt, got)
		}
	}
}
