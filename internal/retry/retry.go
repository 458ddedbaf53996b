// Package retry implements capped exponential backoff with jitter and a
// context-aware retry loop for transient failures.
package retry

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"saferelay/internal/types"
)

// Policy defines a retry schedule.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	// Jitter is the relative spread applied to each delay: 0.5 picks a
	// delay uniformly in [0.5d, 1.5d]. Zero disables jitter.
	Jitter float64
}

// DefaultPolicy matches the dispatch path's tuning: ten attempts starting at
// half a second, doubling up to thirty seconds, with full +/-50% jitter.
var DefaultPolicy = Policy{
	MaxRetries:   10,
	InitialDelay: 500 * time.Millisecond,
	MaxDelay:     30 * time.Second,
	Factor:       2.0,
	Jitter:       0.5,
}

// Backoff computes the delay before the given retry attempt (0-based):
// min(InitialDelay * Factor^attempt, MaxDelay), spread by Jitter.
func Backoff(policy Policy, attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}

	delay := float64(policy.InitialDelay)
	for i := 0; i < attempt; i++ {
		delay *= policy.Factor
	}

	d := time.Duration(delay)
	if d > policy.MaxDelay || d < 0 {
		// The negative case guards against overflow.
		d = policy.MaxDelay
	}

	if policy.Jitter > 0 {
		spread := 1 + policy.Jitter*(2*rand.Float64()-1)
		d = time.Duration(float64(d) * spread)
	}
	if d < 0 {
		d = 0
	}
	return d
}

// Do runs op until it succeeds, returns a non-retryable error, exhausts
// MaxRetries, or ctx is cancelled. Retryability is decided by
// types.IsRetryable; backoff sleeps are interruptible by ctx.
func Do(ctx context.Context, policy Policy, logger types.Logger, name string, op func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return nil
		}
		if !types.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt >= policy.MaxRetries {
			return fmt.Errorf("%s: retries exhausted after %d attempts: %w", name, attempt+1, lastErr)
		}

		delay := Backoff(policy, attempt)
		logger.Warn("retrying after transient failure",
			"op", name,
			"attempt", attempt+1,
			"delay", delay.String(),
			"error", lastErr.Error(),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
