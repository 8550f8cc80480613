// Package retry implements the randomized exponential backoff policy qpeer
// applies to outbound sends, on top of github.com/cenkalti/backoff/v4.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is pure configuration for a backoff run; it holds no mutable state
// of its own, so a single Policy can be shared and reused across any number
// of concurrent Do calls.
type Policy struct {
	InitialInterval     time.Duration
	RandomizationFactor float64
	Multiplier          float64
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
}

// DefaultPolicy mirrors backoff's own sensible defaults.
func DefaultPolicy() *Policy {
	return &Policy{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: 0.5,
		Multiplier:          1.5,
		MaxInterval:         60 * time.Second,
		MaxElapsedTime:      15 * time.Minute,
	}
}

func (p *Policy) backOff() backoff.BackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.InitialInterval,
		RandomizationFactor: p.RandomizationFactor,
		Multiplier:          p.Multiplier,
		MaxInterval:         p.MaxInterval,
		MaxElapsedTime:      p.MaxElapsedTime,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return b
}

// Permanent marks err as non-retryable: Do will return it immediately
// instead of backing off and trying op again. Pass the raw error through
// unchanged when it should be retried.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do retries op under randomized exponential backoff until it succeeds,
// returns a Permanent error, ctx is cancelled, or MaxElapsedTime elapses.
//
// If p is nil, op runs exactly once with no retry and no deadline.
func Do(ctx context.Context, p *Policy, op func() error) error {
	if p == nil {
		return op()
	}
	return backoff.Retry(op, backoff.WithContext(p.backOff(), ctx))
}
