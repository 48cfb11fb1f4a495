package domain

import "time"

// ReminderType selects what happens when a reminder fires.
type ReminderType string

// Reminder types.
const (
	ReminderMessage ReminderType = "message"
	ReminderCall    ReminderType = "call"
)

// Reminder is a durable one-shot job.
type Reminder struct {
	ID          string       `json:"id"`
	ChatID      string       `json:"chat_id"`
	UserID      string       `json:"user_id"`
	Message     string       `json:"message"`
	Type        ReminderType `json:"reminder_type"`
	TriggerAt   time.Time    `json:"trigger_time"`
	IsCompleted bool         `json:"is_completed"`
	CreatedAt   time.Time    `json:"created_at"`
}

// ProactiveState tracks the per-chat proactive quota.
type ProactiveState struct {
	ChatID         string    `json:"chat_id"`
	MessageCount   int       `json:"message_count"`
	SessionCounter int       `json:"session_counter"`
	LastResetAt    time.Time `json:"last_reset_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// QuotaReached reports whether no more proactive messages may be sent.
func (p *ProactiveState) QuotaReached(max int) bool {
	return p.MessageCount >= max
}
