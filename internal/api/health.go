package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/botsapp/internal/store"
)

const healthCheckTimeout = 5 * time.Second

// PendingCounter reports how many reminders have a live timer.
type PendingCounter interface {
	Pending() int
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	repo      store.Repository
	reminders PendingCounter
}

// NewHealthHandler creates a new health handler. reminders may be nil.
func NewHealthHandler(repo store.Repository, reminders PendingCounter) *HealthHandler {
	return &HealthHandler{repo: repo, reminders: reminders}
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	checks := map[string]string{"api": "ok", "database": "ok"}
	status := "healthy"
	code := http.StatusOK
	if err := h.repo.Ping(ctx); err != nil {
		slog.Error("Health check failed", "error", err)
		checks["database"] = "unreachable"
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	body := map[string]interface{}{"status": status, "checks": checks}
	if h.reminders != nil {
		body["scheduled_reminders"] = h.reminders.Pending()
	}
	JSON(w, code, body)
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
