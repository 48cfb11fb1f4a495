package shared

import (
	"context"
	"time"
)

// Backoff returns base * 2^attempt, with attempt counted from zero.
func Backoff(base time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	return base * time.Duration(1<<attempt)
}

// Sleep waits for d or until ctx is done, whichever comes first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
