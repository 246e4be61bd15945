package util

import (
	"context"
	"time"

	"github.com/tilinna/clock"
)

// Sleep waits for d on the clock of ctx. It returns false if ctx is cancelled first.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := clock.NewTimer(ctx, d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
