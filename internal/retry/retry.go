// Package retry runs an operation under a bounded retry policy.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backoff returns the delay to wait after the given failed attempt
// (0-based).
type Backoff func(attempt int) time.Duration

// Policy describes how many times to retry and how long to wait between
// attempts. Retries is the number of extra attempts after the first.
type Policy struct {
	Retries   int
	Backoff   Backoff
	Retryable func(error) bool
	// OnRetry, when set, is called before each backoff sleep.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// Linear waits unit*(attempt+1).
func Linear(unit time.Duration) Backoff {
	return func(attempt int) time.Duration {
		return unit * time.Duration(attempt+1)
	}
}

// Constant waits the same delay every time.
func Constant(d time.Duration) Backoff {
	return func(int) time.Duration { return d }
}

// Permanent marks an error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do calls fn until it succeeds, the retry budget is spent, the error is
// not retryable, or ctx is done. The last error is returned wrapped with
// the attempt count.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var err error
	attempts := p.Retries + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if IsPermanent(err) || (p.Retryable != nil && !p.Retryable(err)) {
			return err
		}
		if attempt == attempts-1 {
			break
		}

		var delay time.Duration
		if p.Backoff != nil {
			delay = p.Backoff(attempt)
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if err := Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("after %d attempts: %w", attempts, err)
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
