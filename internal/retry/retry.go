// Package retry wraps step attempts in a bounded, policy-driven retry loop.
package retry

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/meow-stack/recipe-engine/internal/errors"
	"github.com/meow-stack/recipe-engine/internal/recipe"
)

// Policy is the runtime form of a step's retry block.
type Policy struct {
	MaxAttempts  int
	Backoff      recipe.Backoff
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// FromStep converts a step's retry block. A step without one gets a single
// attempt.
func FromStep(rp *recipe.RetryPolicy) Policy {
	if rp == nil {
		return Policy{MaxAttempts: 1}
	}
	return Policy{
		MaxAttempts:  rp.MaxAttempts,
		Backoff:      rp.Backoff,
		InitialDelay: seconds(rp.InitialDelay),
		MaxDelay:     seconds(rp.MaxDelay),
	}
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// newBackOff builds the delay schedule. Exponential doubles from
// InitialDelay up to MaxDelay; linear waits InitialDelay every time.
func (p Policy) newBackOff() backoff.BackOff {
	if p.Backoff == recipe.BackoffLinear {
		return backoff.NewConstantBackOff(p.InitialDelay)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.Reset()
	return b
}

// Attempt is one try of a step. attempt counts from 1.
type Attempt[T any] func(ctx context.Context, attempt int) (T, error)

// Do calls fn until it succeeds or the policy is exhausted, returning the
// last result and error. Expression errors and context cancellation are
// never retried.
func Do[T any](ctx context.Context, p Policy, logger *slog.Logger, fn Attempt[T]) (T, error) {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var last T
	n := 0
	op := func() (T, error) {
		n++
		res, err := fn(ctx, n)
		last = res
		if err != nil && permanent(ctx, err) {
			return res, backoff.Permanent(err)
		}
		return res, err
	}

	notify := func(err error, next time.Duration) {
		if logger != nil {
			logger.Warn("step attempt failed, retrying",
				"attempt", n, "max_attempts", attempts, "delay", next, "error", err)
		}
	}

	res, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(p.newBackOff()),
		backoff.WithMaxTries(uint(attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(notify),
	)
	if err != nil {
		return last, err
	}
	return res, nil
}

func permanent(ctx context.Context, err error) bool {
	if errors.IsExpression(err) {
		return true
	}
	if ctx.Err() != nil {
		return true
	}
	return stderrors.Is(err, context.Canceled)
}
