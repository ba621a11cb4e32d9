// Package retry holds the single backoff policy shared by every component
// that talks to the asset daemon or retries a persistence unit of work.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is an exponential backoff bounded by a number of attempts.
type Policy struct {
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
}

// DefaultPolicy is used when configuration leaves the retry section empty.
func DefaultPolicy() Policy {
	return Policy{
		InitialInterval: 200 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		MaxAttempts:     4,
	}
}

// Notify is called before each wait with the failed attempt number (1-based).
type Notify func(err error, attempt int, wait time.Duration)

// Do runs op until it succeeds, returns a permanent error, the attempt budget
// is spent, or ctx is done. The last error is returned; ctx.Err() wins when
// the context ended the loop.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error, notify Notify) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.initial()
	eb.MaxInterval = p.max()
	eb.MaxElapsedTime = 0
	eb.Reset()

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		return op(ctx)
	}, b, func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, attempt, wait)
		}
	})
}

// Permanent marks err as non-retriable; Do returns the unwrapped err at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func (p Policy) initial() time.Duration {
	if p.InitialInterval <= 0 {
		return DefaultPolicy().InitialInterval
	}
	return p.InitialInterval
}

func (p Policy) max() time.Duration {
	if p.MaxInterval <= 0 || p.MaxInterval < p.initial() {
		return p.initial() * 16
	}
	return p.MaxInterval
}
