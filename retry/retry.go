// Package retry wraps fallible network operations with bounded
// exponential-backoff retry. Classification is left to the call site: wrap an
// error with Permanent to stop retrying and surface it as-is.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Notify observes every failed attempt that will be retried after delay.
type Notify func(label string, err error, delay time.Duration)

type Executor struct {
	retries   uint64
	baseDelay time.Duration
	notify    Notify
}

// NewExecutor creates an executor that attempts an operation up to
// maxAttempts times. The delay before the i-th retry (0-indexed) is
// 2^i * baseDelay, without jitter. notify may be nil.
func NewExecutor(maxAttempts int, baseDelay time.Duration, notify Notify) *Executor {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Executor{
		retries:   uint64(maxAttempts - 1),
		baseDelay: baseDelay,
		notify:    notify,
	}
}

// Do runs op until it succeeds, is canceled via ctx, returns a permanent
// error, or the attempt budget is exhausted. The last error is returned
// unchanged so errors.Is and errors.As keep matching.
func (e *Executor) Do(ctx context.Context, label string, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(e.newPolicy(), e.retries), ctx)

	return backoff.RetryNotify(op, policy, func(err error, delay time.Duration) {
		if e.notify != nil {
			e.notify(label, err, delay)
		}
	})
}

func (e *Executor) newPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.baseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = math.MaxInt64 // the library default caps delays at a minute
	b.MaxElapsedTime = 0          // attempts are the only budget
	return b
}

// Permanent marks err as non-retryable. Do returns the original error.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
