package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/botsapp/internal/domain"
	"github.com/ashureev/botsapp/internal/identity"
)

// Schedule statuses derived from a reminder.
const (
	scheduleUpcoming  = "upcoming"
	scheduleMissed    = "missed"
	scheduleCompleted = "completed"
)

type scheduleItem struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chat_id"`
	BotName      string    `json:"bot_name"`
	BotAvatar    string    `json:"bot_avatar,omitempty"`
	Message      string    `json:"message"`
	ScheduledFor time.Time `json:"scheduled_for"`
	Status       string    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

func scheduleStatus(r *domain.Reminder, now time.Time) string {
	switch {
	case r.IsCompleted:
		return scheduleCompleted
	case r.TriggerAt.Before(now):
		return scheduleMissed
	default:
		return scheduleUpcoming
	}
}

// ListSchedules returns the user's scheduled calls, latest first.
func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	reminders, err := h.repo.ListRemindersByUser(ctx, userID)
	if err != nil {
		slog.Error("Failed to list schedules", "user_id", userID, "error", err)
		Error(w, http.StatusInternalServerError, "failed to list schedules")
		return
	}

	now := time.Now()
	bots := make(map[string]*domain.Bot)
	items := make([]scheduleItem, 0, len(reminders))
	for i := len(reminders) - 1; i >= 0; i-- {
		rem := reminders[i]
		if rem.Type != domain.ReminderCall {
			continue
		}
		item := scheduleItem{
			ID:           rem.ID,
			ChatID:       rem.ChatID,
			BotName:      "Unknown Bot",
			Message:      rem.Message,
			ScheduledFor: rem.TriggerAt,
			Status:       scheduleStatus(rem, now),
			CreatedAt:    rem.CreatedAt,
		}
		if bot := h.chatBot(r, bots, rem.ChatID); bot != nil {
			item.BotName = bot.Name
			item.BotAvatar = bot.AvatarURL
		}
		items = append(items, item)
	}
	JSON(w, http.StatusOK, items)
}

func (h *Handler) chatBot(r *http.Request, cache map[string]*domain.Bot, chatID string) *domain.Bot {
	if bot, ok := cache[chatID]; ok {
		return bot
	}
	var bot *domain.Bot
	if chat, err := h.repo.GetChat(r.Context(), chatID); err == nil && chat != nil {
		bot, _ = h.repo.GetBot(r.Context(), chat.BotID)
	}
	cache[chatID] = bot
	return bot
}

// DeleteSchedule removes a reminder and its timer.
func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID := identity.UserIDFromContext(ctx)
	id := chi.URLParam(r, "id")

	deleted, err := h.repo.DeleteReminder(ctx, id, userID)
	if err != nil {
		slog.Error("Failed to delete schedule", "reminder_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete schedule")
		return
	}
	if !deleted {
		Error(w, http.StatusNotFound, "schedule not found")
		return
	}
	if h.reminders != nil {
		h.reminders.Unschedule(id)
	}
	JSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}
