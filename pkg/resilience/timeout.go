package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	apperrors "github.com/Adithya-Monish-Kumar-K/fuzzyfinder/pkg/errors"
)

// WithTimeout runs fn under a deadline of timeout; zero or negative runs fn
// with ctx unchanged. fn must honour its context. When the deadline, not the
// caller, ends the run the error matches both apperrors.ErrTimeout and
// context.DeadlineExceeded.
func WithTimeout(ctx context.Context, timeout time.Duration, name string, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	cause := fmt.Errorf("%s: %w after %v", name, apperrors.ErrTimeout, timeout)
	tctx, cancel := context.WithTimeoutCause(ctx, timeout, cause)
	defer cancel()

	err := fn(tctx)
	if err == nil || ctx.Err() != nil {
		return err
	}
	if errors.Is(context.Cause(tctx), apperrors.ErrTimeout) {
		return fmt.Errorf("%w: %w", cause, err)
	}
	return err
}
