// -- pkg/agent/driver.go --
package agent

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RunLoop drives an armed agent by calling Tick until it reaches a terminal
// state or the context is cancelled. The rate limiter yields between ticks
// so agents sharing an execution unit cannot starve each other, and keeps
// cancellation observable between transitions.
func RunLoop(ctx context.Context, ag Agent, interval time.Duration) error {
	if interval <= 0 {
		interval = 50 * time.Millisecond
	}
	limiter := rate.NewLimiter(rate.Every(interval), 1)

	for !ag.Done() {
		if err := limiter.Wait(ctx); err != nil {
			return err
		}
		ag.Tick(ctx)
	}
	return nil
}
