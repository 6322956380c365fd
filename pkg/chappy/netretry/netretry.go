// Package netretry implements the bounded-retry connect patterns spec.md
// §5 calls for at the handful of call sites that are allowed to retry:
// a TCP connect to a freshly started local target, a QUIC connect_with
// attempt, and Seed gRPC connection establishment. Each retries a
// single attempt, time-boxed, until an overall deadline elapses.
package netretry

import (
	"context"
	"fmt"
	"time"
)

// Attempt is one try at producing a T; it is given a context bound to a
// single attempt's timeout.
type Attempt[T any] func(ctx context.Context) (T, error)

// Do retries attempt, each try bounded by attemptTimeout, until one
// succeeds or overallDeadline elapses. Between attempts it waits
// backoff, capped so the final attempt always starts before the
// deadline if possible.
func Do[T any](ctx context.Context, overallDeadline, attemptTimeout, backoff time.Duration, attempt Attempt[T]) (T, error) {
	deadline := time.Now().Add(overallDeadline)
	var zero T
	var lastErr error

	for {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		v, err := attempt(attemptCtx)
		cancel()
		if err == nil {
			return v, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		if time.Now().Add(backoff).After(deadline) {
			return zero, fmt.Errorf("netretry: giving up after deadline: %w", lastErr)
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}
