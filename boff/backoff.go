// Helpers for retrying operations with exponential backoff, so that callers
// do not repeat the retry boilerplate.
package boff

import (
	"context"
	"eth-indexer/logger"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	DefaultInitialInterval = 500 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
)

// Policy bounds a retry loop. Zero values mean "no bound" for MaxTries and
// MaxElapsed and fall back to the defaults for the intervals.
type Policy struct {
	MaxTries        uint
	MaxElapsed      time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = DefaultInitialInterval
	b.MaxInterval = DefaultMaxInterval
	if p.InitialInterval > 0 {
		b.InitialInterval = p.InitialInterval
	}
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}

// Retry runs operation until it succeeds, returns a permanent error, the
// context is done or the policy is exhausted. The last error is returned.
func Retry[T any](ctx context.Context, operation func() (T, error), name string, policy Policy) (T, error) {
	opts := []backoff.RetryOption{
		backoff.WithBackOff(policy.backOff()),
		backoff.WithMaxElapsedTime(policy.MaxElapsed),
		backoff.WithNotify(
			func(err error, d time.Duration) {
				logger.Debug("%s error: %s - retrying after %v", name, err, d)
			},
		),
	}
	if policy.MaxTries > 0 {
		opts = append(opts, backoff.WithMaxTries(policy.MaxTries))
	}

	return backoff.Retry(ctx, operation, opts...)
}

func RetryNoReturn(ctx context.Context, operation func() error, name string, policy Policy) error {
	_, err := Retry(
		ctx,
		func() (struct{}, error) {
			return struct{}{}, operation()
		},
		name,
		policy,
	)

	return err
}

// Permanent stops a retry loop and makes Retry return err unchanged.
func Permanent(err error) error {
	return backoff.Permanent(err)
}
