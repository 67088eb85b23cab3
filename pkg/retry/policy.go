// Package retry implements exponential backoff with bounded jitter.
// Policies are value objects injected into the clients that need them, so
// backoff state is scoped per table-run rather than shared process-wide.
package retry

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Policy defines retry behavior
type Policy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// DefaultPolicy returns a sensible default retry policy
func DefaultPolicy() *Policy {
	return &Policy{
		MaxAttempts:     3,
		InitialDelay:    1 * time.Second,
		MaxDelay:        30 * time.Second,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// NoRetry returns a policy that doesn't retry
func NoRetry() *Policy {
	return &Policy{MaxAttempts: 1}
}

// Execute runs a function under the policy until it succeeds, the attempt
// budget is exhausted, or the context is cancelled.
func (p *Policy) Execute(ctx context.Context, fn func() error) error {
	return p.ExecuteIf(ctx, fn, func(error) bool { return true })
}

// ExecuteIf runs a function under the policy, retrying only while
// shouldRetry returns true for the last error.
func (p *Policy) ExecuteIf(ctx context.Context, fn func() error, shouldRetry func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !shouldRetry(err) {
			return err
		}

		if attempt == p.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(p.Delay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("all %d attempts failed: %w", p.MaxAttempts, lastErr)
}

// Delay returns the backoff delay for a given attempt: exponential growth
// capped at MaxDelay, with bounded random jitter applied.
func (p *Policy) Delay(attempt int) time.Duration {
	delay := float64(p.InitialDelay) * math.Pow(p.Multiplier, float64(attempt))

	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}

	if p.RandomizeFactor > 0 {
		delta := delay * p.RandomizeFactor
		delay = delay - delta + rand.Float64()*2*delta
	}

	return time.Duration(delay)
}

// WithMaxAttempts returns a copy of the policy with updated max attempts
func (p *Policy) WithMaxAttempts(attempts int) *Policy {
	cp := *p
	cp.MaxAttempts = attempts
	return &cp
}

// WithDelay returns a copy of the policy with updated delay bounds
func (p *Policy) WithDelay(initial, max time.Duration) *Policy {
	cp := *p
	cp.InitialDelay = initial
	cp.MaxDelay = max
	return &cp
}
