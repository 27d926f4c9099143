package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryConfig bounds the retries of one idempotent operation. Zero values
// fall back to three attempts starting at 100ms, doubling up to 10s with
// 10% jitter.
type RetryConfig struct {
	MaxAttempts    int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	// Retryable decides whether a failed attempt is worth repeating. Nil
	// retries every error.
	Retryable func(error) bool
	// OnRetry is invoked before each backoff sleep.
	OnRetry func(attempt int, err error)
}

func (c RetryConfig) normalized() RetryConfig {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.InitialDelay <= 0 {
		c.InitialDelay = 100 * time.Millisecond
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = max(c.InitialDelay, 10*time.Second)
	}
	if c.Multiplier < 1 {
		c.Multiplier = 2
	}
	if c.JitterFraction <= 0 || c.JitterFraction >= 1 {
		c.JitterFraction = 0.1
	}
	return c
}

// backoff returns the sleep before attempt+1, jittered and capped.
func (c RetryConfig) backoff(attempt int) time.Duration {
	d := float64(c.InitialDelay)
	for i := 1; i < attempt; i++ {
		d *= c.Multiplier
		if d >= float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
			break
		}
	}
	d *= 1 + c.JitterFraction*(2*rand.Float64()-1)
	return min(time.Duration(d), c.MaxDelay)
}

func (c RetryConfig) retryable(err error) bool {
	return c.Retryable == nil || c.Retryable(err)
}

// Retry calls fn until it succeeds, fails with a non-retryable error, runs
// out of attempts or ctx ends. The last error is wrapped in the result.
func Retry(ctx context.Context, name string, cfg RetryConfig, fn func() error) error {
	cfg = cfg.normalized()
	var err error
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			if attempt > 1 {
				slog.Debug("operation recovered", "component", "retry", "operation", name, "attempt", attempt)
			}
			return nil
		}
		if !cfg.retryable(err) {
			return err
		}
		if attempt >= cfg.MaxAttempts {
			return fmt.Errorf("%s: giving up after %d attempts: %w", name, attempt, err)
		}

		delay := cfg.backoff(attempt)
		slog.Warn("retrying operation",
			"component", "retry",
			"operation", name,
			"attempt", attempt,
			"error", err,
			"delay", delay,
		)
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, err)
		}
		if werr := sleep(ctx, delay); werr != nil {
			return fmt.Errorf("%s: retry abandoned: %w (last error: %v)", name, werr, err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
