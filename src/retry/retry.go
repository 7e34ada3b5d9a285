// Package retry provides the bounded exponential-backoff policy used for
// store initialization and for the coordinated write unit. A Policy is a
// pure value; Do makes the retried boundary explicit instead of hiding it
// behind per-call wrappers.
package retry

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/clipmind/datastore/src/config"
)

// Policy describes how many attempts to make and how long to wait between
// them. Stateless and safe for concurrent use.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
}

// FromConfig builds a Policy from the loaded retry section.
func FromConfig(rc config.RetryConfig) Policy {
	return Policy{
		MaxAttempts: rc.MaxAttempts,
		BaseDelay:   rc.BaseDelay,
		Multiplier:  2,
		MaxDelay:    rc.MaxDelay,
	}
}

// Delay returns the wait before retry attempt n (1-indexed):
// BaseDelay * Multiplier^(n-1), capped at MaxDelay.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := time.Duration(float64(p.BaseDelay) * math.Pow(mult, float64(attempt-1)))
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Sleeper abstracts the backoff wait so tests can observe delays without
// real clock time.
type Sleeper func(ctx context.Context, d time.Duration) error

// SleepContext waits for d or until ctx is cancelled, whichever comes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// permanentError stops the retry loop: the wrapped error is returned
// as-is without further attempts.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retryable; Do returns it immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn up to p.MaxAttempts times, sleeping the policy delay between
// attempts. It returns nil on the first success and the last error after
// the final attempt. A cancelled backoff wait aborts immediately with the
// context error; fn is not called again.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	return DoWithSleeper(ctx, p, SleepContext, fn)
}

// DoWithSleeper is Do with an injectable wait, used by tests.
func DoWithSleeper(ctx context.Context, p Policy, sleep Sleeper, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if attempt == attempts {
			break
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return err
		}
	}
	return lastErr
}
