package utils

import (
	"context"
	"errors"
	"time"
)

// ErrDeadline is returned by PollUntil when the deadline passes before the
// condition holds.
var ErrDeadline = errors.New("deadline exceeded")

// PollUntil evaluates condition at a fixed interval until it reports true,
// returns an error, the deadline passes, or ctx is cancelled. The condition
// is evaluated once immediately.
func PollUntil(ctx context.Context, interval, timeout time.Duration, condition func() (bool, error)) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		done, err := condition()
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrDeadline
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
