// Package poll provides the bounded confirmation-polling primitive shared by
// the maintenance-mode and graceful-shutdown waits. Every wait in the upgrade
// run goes through Until so no step can block past its deadline.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrDeadlineExceeded is returned when the condition never held within the
// allowed window.
var ErrDeadlineExceeded = errors.New("polling deadline exceeded")

// Condition reports whether the awaited state has been reached. Returning an
// error stops the poll immediately.
type Condition func(ctx context.Context) (bool, error)

// Until evaluates cond at the given fixed interval until it reports true, the
// deadline elapses, or ctx is cancelled. The condition is evaluated once
// before the first interval so an already-satisfied state returns without
// sleeping.
func Until(ctx context.Context, interval, deadline time.Duration, cond Condition) error {
	done, err := cond(ctx)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	timeout := time.NewTimer(deadline)
	defer timeout.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return ErrDeadlineExceeded
		case <-ticker.C:
			done, err := cond(ctx)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
	}
}
