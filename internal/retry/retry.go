// Package retry implements bounded retries with doubling backoff. It is
// used for read-only tracker calls, where a dropped connection is worth
// a second dial but a refusal from the tracker is final.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// PermanentError wraps an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent marks an error as not worth retrying. Do unwraps it before
// returning, so callers never see the wrapper.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy controls how often and how patiently an operation is retried.
// The delay before the nth retry is Delay doubled n-1 times, capped at
// MaxDelay when MaxDelay is set.
type Policy struct {
	Attempts int
	Delay    time.Duration
	MaxDelay time.Duration
}

// Queries is the policy for read-only tracker calls: three tries with a
// short backoff, so a flaky tracker does not stall the interactive menu.
var Queries = Policy{
	Attempts: 3,
	Delay:    500 * time.Millisecond,
	MaxDelay: 2 * time.Second,
}

// Once never retries. Mutating tracker calls use it so a slow reply is
// not turned into a duplicate registration or upload report.
var Once = Policy{Attempts: 1}

func (p Policy) delay(retry int) time.Duration {
	d := p.Delay << (retry - 1)
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d
}

// Do runs fn until it succeeds, returns a permanent error, or the
// policy's attempts run out. Between tries it waits per the policy; a
// context cancelled during the wait ends the whole call with ctx.Err().
func Do[T any](ctx context.Context, p Policy, fn func() (T, error)) (T, error) {
	var zero T

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for try := 0; try < attempts; try++ {
		if try > 0 {
			if d := p.delay(try); d > 0 {
				select {
				case <-ctx.Done():
					return zero, ctx.Err()
				case <-time.After(d):
				}
			}
		}

		result, err := fn()
		if err == nil {
			return result, nil
		}

		var perm *PermanentError
		if errors.As(err, &perm) {
			return zero, perm.Err
		}
		lastErr = err
	}

	if attempts == 1 {
		return zero, lastErr
	}
	return zero, fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}
