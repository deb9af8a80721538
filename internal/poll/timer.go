package poll

import (
	"context"
	"time"
)

// Sleep waits for d or until ctx is done, whichever comes first. It reports
// whether the full duration elapsed. An early return is not an error; callers
// check their own cancellation state afterwards.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
