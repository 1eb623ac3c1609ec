package schedule

import (
	"context"
	"time"
)

// Every runs fn on each tick until ctx is cancelled. A tick that fires while
// fn is still running is skipped.
func Every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
