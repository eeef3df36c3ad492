// Package retry holds the retry policy used for optimistic concurrency conflicts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ErrExhausted wraps the last error once every attempt has been used.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy retries an operation with exponential backoff and jitter, up to
// MaxAttempts calls in total.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor applied to each delay, in [0, 1].
	Jitter float64
	// Retryable decides which errors are retried. Nil retries every error.
	Retryable func(error) bool
	// OnRetry is called before sleeping between attempts.
	OnRetry func(attempt int, err error, next time.Duration)
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   10 * time.Millisecond,
		MaxDelay:    200 * time.Millisecond,
		Jitter:      0.5,
	}
}

// Do calls fn until it succeeds, fails with a non-retryable error, the
// context ends, or the attempts run out. It returns the number of calls made.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context, attempt int) error) (int, error) {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	op := func() error {
		attempts++
		err := fn(ctx, attempts)
		if err != nil && !p.retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, next time.Duration) {
		if p.OnRetry != nil {
			p.OnRetry(attempts, err, next)
		}
	}

	b := backoff.WithContext(backoff.WithMaxRetries(p.backOff(), uint64(maxAttempts-1)), ctx)
	err := backoff.RetryNotify(op, b, notify)
	if err != nil && attempts >= maxAttempts && p.retryable(err) {
		return attempts, fmt.Errorf("%w: %w", ErrExhausted, err)
	}
	return attempts, err
}

func (p Policy) retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if p.Retryable == nil {
		return true
	}
	return p.Retryable(err)
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	if b.MaxInterval < b.InitialInterval {
		b.MaxInterval = b.InitialInterval
	}
	b.RandomizationFactor = min(max(p.Jitter, 0), 1)
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
