// Package retry runs adapter calls under a bounded attempt policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrExhausted is returned when every attempt failed
var ErrExhausted = errors.New("retry attempts exhausted")

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error that another attempt cannot fix; Do returns it
// unwrapped without further attempts.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Policy describes how many times to try, how long each attempt may take,
// and how long to wait between attempts.
type Policy struct {
	Name        string
	MaxAttempts int
	Timeout     time.Duration
	Backoff     func(attempt int) time.Duration
}

// Linear waits step × attempt after the given (1-based) attempt
func Linear(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}

// Default is 3 attempts, 10s per attempt, 2s × attempt backoff
func Default(name string) Policy {
	return Policy{
		Name:        name,
		MaxAttempts: 3,
		Timeout:     10 * time.Second,
		Backoff:     Linear(2 * time.Second),
	}
}

// Do calls fn until it succeeds, the attempts run out, or ctx is done.
// Each attempt gets its own timeout derived from ctx. On exhaustion the
// returned error wraps both ErrExhausted and the last attempt's error.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		result, err := runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}

		// Caller gave up; don't count this as an adapter failure
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		log.Debug().
			Str("op", p.Name).
			Int("attempt", attempt).
			Int("max", attempts).
			Err(err).
			Msg("🔁 Attempt failed")

		if attempt == attempts {
			break
		}
		if !sleep(ctx, p.wait(attempt)) {
			return zero, ctx.Err()
		}
	}

	return zero, fmt.Errorf("%s: %w after %d attempts: %w", p.Name, ErrExhausted, attempts, lastErr)
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(attemptCtx)
}

func (p Policy) wait(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}

// sleep waits d or until ctx is done; false means ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
