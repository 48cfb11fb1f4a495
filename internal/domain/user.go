// Package domain contains core domain types for the botsapp backend.
package domain

import (
	"regexp"
	"strings"
	"time"
)

var apnsTokenPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)

// User is an account that owns chats and device tokens.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	FCMToken    string    `json:"fcm_token,omitempty"`
	VoIPToken   string    `json:"voip_token,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// IsAPNsToken reports whether a device token is a raw APNs token (64 hex chars).
// Anything else is treated as an FCM registration token.
func IsAPNsToken(token string) bool {
	return apnsTokenPattern.MatchString(strings.TrimSpace(token))
}

// Default proactive settings applied when a bot leaves them unset.
const (
	DefaultProactiveMaxMessages = 5
	DefaultProactivityPrompt    = "Check if anything has changed since last check and message the user only if needed."
)

// Bot is an AI persona a user chats with.
type Bot struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	AvatarURL    string   `json:"avatar_url,omitempty"`
	SystemPrompt string   `json:"system_prompt"`
	VoiceName    string   `json:"voice_name,omitempty"`
	EnabledTools []string `json:"enabled_tools,omitempty"`

	// ProactiveIntervalMinutes of 0 disables the check-in job.
	ProactiveIntervalMinutes int    `json:"proactive_interval_minutes"`
	ProactiveMaxMessages     int    `json:"proactive_max_messages"`
	ProactivityPrompt        string `json:"proactivity_prompt,omitempty"`
}

// ProactiveInterval returns the check-in period, or 0 when disabled.
func (b *Bot) ProactiveInterval() time.Duration {
	if b.ProactiveIntervalMinutes <= 0 {
		return 0
	}
	return time.Duration(b.ProactiveIntervalMinutes) * time.Minute
}

// MaxProactiveMessages returns the per-chat quota, at least 1.
func (b *Bot) MaxProactiveMessages() int {
	if b.ProactiveMaxMessages <= 0 {
		return DefaultProactiveMaxMessages
	}
	return b.ProactiveMaxMessages
}

// CheckInPrompt returns the instruction used for proactive runs.
func (b *Bot) CheckInPrompt() string {
	if p := strings.TrimSpace(b.ProactivityPrompt); p != "" {
		return p
	}
	return DefaultProactivityPrompt
}

// Chat is a conversation between one user and one bot.
type Chat struct {
	ID            string     `json:"id"`
	UserID        string     `json:"user_id"`
	BotID         string     `json:"bot_id"`
	IsMuted       bool       `json:"is_muted"`
	UnreadCount   int        `json:"unread_count"`
	LastMessageAt *time.Time `json:"last_message_at,omitempty"`
}
