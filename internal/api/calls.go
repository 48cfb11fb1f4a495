package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/botsapp/internal/calls"
	"github.com/ashureev/botsapp/internal/domain"
	"github.com/ashureev/botsapp/internal/identity"
	"github.com/ashureev/botsapp/internal/observability"
)

type callStatusRequest struct {
	Status    string `json:"status"`
	EndReason string `json:"end_reason,omitempty"`
}

// RegisterRoutes registers every authenticated API route.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/calls/metrics/summary", h.CallMetrics)
		r.Get("/calls/{id}", h.GetCall)
		r.Patch("/calls/{id}/status", h.UpdateCallStatus)

		r.Get("/schedules", h.ListSchedules)
		r.Delete("/schedules/{id}", h.DeleteSchedule)

		r.Get("/lifecycle/chats/{chat_id}/messages", h.ListLifecycle)

		r.Put("/bots/{id}/proactive", h.UpdateProactive)
		r.Put("/me/devices", h.UpdateDevices)
	})
}

// GetCall returns one of the user's call intents.
func (h *Handler) GetCall(w http.ResponseWriter, r *http.Request) {
	intent, ok := h.ownedCall(w, r)
	if !ok {
		return
	}
	JSON(w, http.StatusOK, intent)
}

// UpdateCallStatus applies a client-reported transition.
func (h *Handler) UpdateCallStatus(w http.ResponseWriter, r *http.Request) {
	intent, ok := h.ownedCall(w, r)
	if !ok {
		return
	}

	var req callStatusRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	to, valid := domain.ParseCallStatus(req.Status)
	if !valid {
		Error(w, http.StatusBadRequest, "unknown status")
		return
	}

	updated, err := h.calls.Transition(r.Context(), intent.ID, to, req.EndReason)
	switch {
	case err == nil:
		JSON(w, http.StatusOK, updated)
	case errors.Is(err, calls.ErrTerminal):
		// The call already ended; report its final state unchanged.
		JSON(w, http.StatusOK, updated)
	case errors.Is(err, calls.ErrInvalidTransition):
		Error(w, http.StatusConflict, err.Error())
	case errors.Is(err, calls.ErrNotFound):
		Error(w, http.StatusNotFound, "call not found")
	default:
		slog.Error("Failed to update call status", "call_id", intent.ID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to update call")
	}
}

// CallMetrics returns the process-wide call and push counters.
func (h *Handler) CallMetrics(w http.ResponseWriter, r *http.Request) {
	summary, err := observability.Summarize(h.gatherer)
	if err != nil {
		slog.Error("Failed to gather call metrics", "error", err)
		Error(w, http.StatusInternalServerError, "metrics unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{
		"user_id": identity.UserIDFromContext(r.Context()),
		"metrics": summary,
	})
}

func (h *Handler) ownedCall(w http.ResponseWriter, r *http.Request) (*domain.CallIntent, bool) {
	userID := identity.UserIDFromContext(r.Context())
	intent, err := h.calls.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, calls.ErrNotFound) || (err == nil && intent.UserID != userID) {
		Error(w, http.StatusNotFound, "call not found")
		return nil, false
	}
	if err != nil {
		slog.Error("Failed to load call", "error", err)
		Error(w, http.StatusInternalServerError, "failed to load call")
		return nil, false
	}
	return intent, true
}
