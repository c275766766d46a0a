package simulate

import (
	"context"
	"time"
)

// Delay suspends the caller for latencyMs milliseconds or until ctx is done.
// It returns ctx.Err() when the wait is aborted.
func Delay(ctx context.Context, latencyMs int) error {
	if latencyMs <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(time.Duration(latencyMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
