package utils

import (
	"context"
	"time"
)

// WaitFor sleeps for d unless the context is cancelled first, in which case
// the context error is returned. Used for retry backoff.
func WaitFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
