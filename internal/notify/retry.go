package notify

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// permanentError marks a delivery failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func permanent(err error) error { return &permanentError{err: err} }

// withRetry calls fn up to attempts times, doubling base between tries with
// +-25% jitter. It stops on success, on a permanent error, or when ctx ends.
func withRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	attempts = max(attempts, 1)
	delay := base

	var err error
	for i := range attempts {
		if err = fn(); err == nil {
			return nil
		}
		var pe *permanentError
		if errors.As(err, &pe) {
			return pe.err
		}
		if i == attempts-1 {
			break
		}

		jitter := delay / 4
		sleep := delay - jitter + time.Duration(rand.Int64N(int64(2*jitter)+1))
		t := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
	}
	return err
}
