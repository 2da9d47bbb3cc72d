// Package retry provides an explicit retry policy for calls to flaky upstream services.
// Delays follow base * 2^attempt plus bounded jitter, driven by cenkalti/backoff.
package retry

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes how often and how patiently a call is retried
type Policy struct {
	// MaxAttempts is the total number of tries, including the first
	MaxAttempts uint
	// BaseDelay is the delay before the first retry
	BaseDelay time.Duration
	// MaxJitter bounds the random delay added to every backoff
	MaxJitter time.Duration
	// MaxElapsed caps the total time spent retrying (0 = backoff default)
	MaxElapsed time.Duration
}

// DefaultPolicy returns the policy used for the drug reference service
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxJitter:   100 * time.Millisecond,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (p Policy) Delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if p.MaxJitter > 0 {
		d += rand.N(p.MaxJitter)
	}
	return d
}

// Notify is called before each retry with the failure and the upcoming delay
type Notify func(err error, attempt int, delay time.Duration)

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do runs op until it succeeds, returns a permanent error, exhausts the
// policy, or ctx is done. The last error is returned on failure.
func Do[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error), notify Notify) (T, error) {
	b := &exponentialJitter{policy: p}
	attempt := 0

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithNotify(func(err error, d time.Duration) {
			attempt++
			if notify != nil {
				notify(err, attempt, d)
			}
		}),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxAttempts))
	}
	if p.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(p.MaxElapsed))
	}

	return backoff.Retry(ctx, func() (T, error) {
		return op(ctx)
	}, opts...)
}

// exponentialJitter implements backoff.BackOff with Policy.Delay
type exponentialJitter struct {
	policy  Policy
	attempt int
}

func (b *exponentialJitter) NextBackOff() time.Duration {
	d := b.policy.Delay(b.attempt)
	b.attempt++
	return d
}

func (b *exponentialJitter) Reset() {
	b.attempt = 0
}
