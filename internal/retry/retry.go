// Package retry provides a single reusable policy for calls to external
// providers, replacing per-call-site retry loops.
package retry

import (
	"context"
	"time"
)

// Policy describes how an operation is retried. The zero value performs a
// single attempt.
type Policy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int
	// Backoff returns the delay before attempt n+1, given that attempt n
	// (1-based) just failed.
	Backoff func(attempt int) time.Duration
	// Retryable reports whether an error is worth another attempt. A nil
	// predicate retries every error.
	Retryable func(error) bool
	// Sleep is swappable for tests; defaults to time.Sleep.
	Sleep func(time.Duration)
}

// Exponential returns a backoff of base<<(attempt-1): base, 2*base, 4*base...
func Exponential(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base << (attempt - 1)
	}
}

// Fixed returns a constant backoff.
func Fixed(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// Do runs op until it succeeds, exhausts attempts, hits a non-retryable
// error, or the context is canceled. The last error is returned.
func (p Policy) Do(ctx context.Context, op func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = op(); err == nil {
			return nil
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		if p.Backoff != nil {
			sleep(p.Backoff(attempt))
		}
	}
	return err
}
