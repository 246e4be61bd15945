package fixtures

import (
	"context"
	"time"

	"github.com/tilinna/clock"
)

// NextStep moves clck to its next timer, waiting for a goroutine to arm one if none is pending. It gives
// up when ctx is done, which in tests normally means the wall clock timeout passed.
func NextStep(ctx context.Context, clck *clock.Mock) {
	for ctx.Err() == nil {
		if _, d := clck.AddNext(); d != 0 {
			return
		}
		// runtime.Gosched is not enough for the waiting goroutine to get scheduled.
		time.Sleep(time.Microsecond)
	}
}
