package store

import (
	"context"
	"log/slog"
	"time"

	"github.com/ashureev/botsapp/internal/shared"
)

const (
	writeRetries   = 3
	writeBaseDelay = 50 * time.Millisecond
)

// withRetry runs a write and retries it with exponential backoff while SQLite
// reports a busy or locked database.
func withRetry(ctx context.Context, op string, fn func() error) error {
	var err error
	for i := 0; i < writeRetries; i++ {
		err = fn()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == writeRetries-1 {
			break
		}
		delay := shared.Backoff(writeBaseDelay, i) // 50ms, 100ms
		slog.Debug("SQLite busy, retrying", "op", op, "attempt", i+1, "delay", delay)
		if err := shared.Sleep(ctx, delay); err != nil {
			return err
		}
	}
	return err
}
