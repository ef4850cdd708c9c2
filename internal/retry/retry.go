// Package retry retries transient storage and network calls with a linear
// backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Default policy values.
const (
	DefaultAttempts = 3
	DefaultBase     = 500 * time.Millisecond
)

// ErrTransient wraps the last error of a call that failed every attempt.
var ErrTransient = errors.New("transient failure")

// Policy waits Base x attempt between attempts.
type Policy struct {
	Attempts int
	Base     time.Duration
}

// Default returns 3 attempts with 500ms x attempt backoff.
func Default() Policy {
	return Policy{Attempts: DefaultAttempts, Base: DefaultBase}
}

type permanentError struct {
	err error
}

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return permanentError{err: err}
}

// Do runs fn until it succeeds, returns a permanent error, the context ends
// or the attempts run out.
func Do(ctx context.Context, policy Policy, fn func(ctx context.Context) error) error {
	attempts := max(1, policy.Attempts)

	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}

		var permanent permanentError
		if errors.As(lastErr, &permanent) {
			return permanent.err
		}

		if attempt == attempts {
			break
		}

		timer := time.NewTimer(policy.Base * time.Duration(attempt))

		select {
		case <-ctx.Done():
			timer.Stop()

			return fmt.Errorf("retry aborted after %d attempts: %w", attempt, errors.Join(ctx.Err(), lastErr))
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrTransient, attempts, lastErr)
}
