package executor

import (
	"context"
	"time"
)

// Backoff is a capped exponential backoff curve.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
}

// DefaultBackoff is the retry curve for transient provider failures:
// 200ms, 400ms, 800ms, ... capped at 10s.
var DefaultBackoff = Backoff{
	Base:   200 * time.Millisecond,
	Max:    10 * time.Second,
	Factor: 2,
}

// Duration returns the delay before the given retry attempt (1-based: the
// delay after the first failure is Base).
func (b Backoff) Duration(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 1; i < attempt; i++ {
		d *= b.Factor
		if d >= float64(b.Max) {
			return b.Max
		}
	}
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// sleep waits d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
