// Package api provides HTTP handlers for the botsapp API.
package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ashureev/botsapp/internal/calls"
	"github.com/ashureev/botsapp/internal/domain"
	"github.com/ashureev/botsapp/internal/store"
)

// Unscheduler removes a reminder's timer job.
type Unscheduler interface {
	Unschedule(id string)
}

// ProactiveRegistrar re-registers a bot's check-in job.
type ProactiveRegistrar interface {
	Upsert(bot *domain.Bot)
	Registered(botID string) bool
}

// Handler provides common handler utilities.
type Handler struct {
	repo      store.Repository
	calls     *calls.Service
	reminders Unscheduler
	proactive ProactiveRegistrar
	gatherer  prometheus.Gatherer
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, cs *calls.Service, reminders Unscheduler, proactive ProactiveRegistrar, gatherer prometheus.Gatherer) *Handler {
	return &Handler{
		repo:      repo,
		calls:     cs,
		reminders: reminders,
		proactive: proactive,
		gatherer:  gatherer,
	}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v)
}

// ownedChat returns the chat if it belongs to userID.
func (h *Handler) ownedChat(ctx context.Context, userID, chatID string) (*domain.Chat, error) {
	chat, err := h.repo.GetChat(ctx, chatID)
	if err != nil || chat == nil || chat.UserID != userID {
		return nil, err
	}
	return chat, nil
}
