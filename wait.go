package realtime

import (
	"context"
	"time"
)

// waitFor polls cond every interval until it reports true, the timeout
// elapses, or ctx is done. It reports whether cond was satisfied. cond is
// checked once before the first tick so an already-true condition returns
// immediately.
func waitFor(ctx context.Context, interval, timeout time.Duration, cond func() bool) bool {
	if cond() {
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return cond()
		case <-ticker.C:
			if cond() {
				return true
			}
		}
	}
}

// sleepCtx sleeps for d unless ctx is done first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
