package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/botsapp/internal/domain"
	"github.com/ashureev/botsapp/internal/identity"
)

// ListLifecycle returns the agent trace of a chat, optionally for one session.
// Chats the user does not own yield an empty list.
func (h *Handler) ListLifecycle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	chatID := chi.URLParam(r, "chat_id")

	chat, err := h.ownedChat(ctx, userID, chatID)
	if err != nil {
		slog.Error("Failed to load chat", "chat_id", chatID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load chat")
		return
	}
	if chat == nil {
		JSON(w, http.StatusOK, []*domain.LifecycleMessage{})
		return
	}

	entries, err := h.repo.ListLifecycle(ctx, chatID, r.URL.Query().Get("session_id"))
	if err != nil {
		slog.Error("Failed to list lifecycle messages", "chat_id", chatID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list lifecycle messages")
		return
	}
	if entries == nil {
		entries = []*domain.LifecycleMessage{}
	}
	JSON(w, http.StatusOK, entries)
}
