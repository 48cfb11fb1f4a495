package api

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/botsapp/internal/domain"
	"github.com/ashureev/botsapp/internal/identity"
)

type proactiveRequest struct {
	IntervalMinutes   int    `json:"proactive_interval_minutes"`
	MaxMessages       int    `json:"proactive_max_messages"`
	ProactivityPrompt string `json:"proactivity_prompt"`
}

type proactiveResponse struct {
	Bot       *domain.Bot `json:"bot"`
	Scheduled bool        `json:"proactive_scheduled"`
}

type devicesRequest struct {
	FCMToken  string `json:"fcm_token"`
	VoIPToken string `json:"voip_token"`
}

// UpdateProactive changes a bot's check-in settings and reschedules its job.
// Only users who chat with the bot may change it.
func (h *Handler) UpdateProactive(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	botID := chi.URLParam(r, "id")

	var req proactiveRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.IntervalMinutes < 0 || req.MaxMessages < 0 {
		Error(w, http.StatusBadRequest, "values must not be negative")
		return
	}

	chats, err := h.repo.ListChatsByBot(ctx, botID)
	if err != nil {
		slog.Error("Failed to list bot chats", "bot_id", botID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load bot")
		return
	}
	member := false
	for _, c := range chats {
		if c.UserID == userID {
			member = true
			break
		}
	}
	if !member {
		Error(w, http.StatusNotFound, "bot not found")
		return
	}

	if err := h.repo.UpdateBotProactive(ctx, botID, req.IntervalMinutes, req.MaxMessages, strings.TrimSpace(req.ProactivityPrompt)); err != nil {
		slog.Error("Failed to update proactive settings", "bot_id", botID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to update bot")
		return
	}
	bot, err := h.repo.GetBot(ctx, botID)
	if err != nil || bot == nil {
		Error(w, http.StatusNotFound, "bot not found")
		return
	}
	scheduled := false
	if h.proactive != nil {
		h.proactive.Upsert(bot)
		scheduled = h.proactive.Registered(bot.ID)
	}
	JSON(w, http.StatusOK, proactiveResponse{Bot: bot, Scheduled: scheduled})
}

// UpdateDevices stores the caller's push tokens.
func (h *Handler) UpdateDevices(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	var req devicesRequest
	if err := decode(w, r, &req); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.repo.UpdateDeviceTokens(r.Context(), userID, strings.TrimSpace(req.FCMToken), strings.TrimSpace(req.VoIPToken)); err != nil {
		slog.Error("Failed to update device tokens", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to update devices")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
