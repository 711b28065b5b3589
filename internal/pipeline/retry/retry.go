// Package retry models retry-with-backoff as an explicit policy value and a
// tagged outcome, so exhausted retries stay a first-class return value
// instead of an error thrown after the final attempt.
package retry

import (
	"context"
	"math/rand"
	"time"
)

// Policy describes how a transient failure is retried.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// BaseDelay is the delay after the first failed attempt; subsequent
	// delays double (BaseDelay * 2^attempt).
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay.
	MaxDelay time.Duration
	// Jitter adds up to 25% random delay on top of the backoff.
	Jitter bool
}

// DefaultPolicy mirrors the embedding provider defaults: 3 attempts, 1s base
// delay doubling per attempt, capped at 30s.
func DefaultPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
		Jitter:      true,
	}
}

// Result is the tagged outcome of a retried call.
type Result struct {
	// Attempts is how many attempts were made.
	Attempts int
	// Exhausted is true when every attempt failed.
	Exhausted bool
	// Err is the error from the last attempt, nil on success.
	Err error
}

// Do calls fn until it succeeds, the policy is exhausted, or the context is
// done. retryable reports whether an error is transient; a non-retryable
// error stops immediately.
func Do(ctx context.Context, policy Policy, retryable func(error) bool, fn func(ctx context.Context) error) Result {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{Attempts: attempt, Exhausted: true, Err: err}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return Result{Attempts: attempt + 1}
		}
		if !retryable(lastErr) {
			return Result{Attempts: attempt + 1, Exhausted: true, Err: lastErr}
		}
		if attempt == attempts-1 {
			break
		}

		delay := policy.backoff(attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return Result{Attempts: attempt + 1, Exhausted: true, Err: ctx.Err()}
		}
	}

	return Result{Attempts: attempts, Exhausted: true, Err: lastErr}
}

func (p Policy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay << uint(attempt)
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if quarter := int64(delay) / 4; p.Jitter && quarter > 0 {
		delay += time.Duration(rand.Int63n(quarter))
	}
	return delay
}
