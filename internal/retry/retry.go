// Package retry runs fallible calls with exponential backoff.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth another attempt. Do strips the marker
// on the way out, so callers never see it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a Permanent error, or attempts run
// out. The wait doubles after every failure, starting at baseDelay, with
// jitter; a done ctx cuts the wait short and returns ctx.Err.
func Do(ctx context.Context, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		attempts = 1
	}
	delay := baseDelay
	for {
		err := fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		if attempts--; attempts == 0 {
			return err
		}

		timer := time.NewTimer(Jittered(delay))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}

// Jittered spreads delay across a +-25% band so concurrent retriers do not
// hit an endpoint in lockstep. The escrow poller re-arms with it too.
func Jittered(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}
	band := delay / 2
	return delay - band/2 + rand.N(band+1)
}
