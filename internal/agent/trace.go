package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashureev/botsapp/internal/domain"
)

// LifecycleWriter persists trace entries.
type LifecycleWriter interface {
	AppendLifecycle(ctx context.Context, entry *domain.LifecycleMessage) error
}

// StoreTracer writes each step to the lifecycle_messages table. Write
// failures are logged and never interrupt a run.
type StoreTracer struct {
	repo   LifecycleWriter
	logger *slog.Logger
}

// NewStoreTracer creates a tracer backed by repo.
func NewStoreTracer(repo LifecycleWriter, logger *slog.Logger) *StoreTracer {
	if logger == nil {
		logger = slog.Default()
	}
	return &StoreTracer{repo: repo, logger: logger}
}

// Trace stores one entry.
func (t *StoreTracer) Trace(ctx context.Context, entry *domain.LifecycleMessage) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if err := t.repo.AppendLifecycle(ctx, entry); err != nil {
		t.logger.Warn("Failed to write lifecycle trace", "chat_id", entry.ChatID, "session_id", entry.SessionID, "error", err)
	}
}

func encodeTrace(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
