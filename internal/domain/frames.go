package domain

import "time"

// WebSocket frame types exchanged with clients.
const (
	FrameMessage         = "message"
	FrameTyping          = "typing"
	FrameStream          = "stream"
	FrameMessageComplete = "message_complete"
	FrameError           = "error"
	FrameReminder        = "reminder"
	FrameScheduledCall   = "scheduled_call"

	FrameReady        = "ready"
	FrameEndCall      = "end_call"
	FrameUserTurnEnd  = "user_turn_end"
	FrameTurnEnd      = "turn_end"
	FrameVoice        = "voice"
	FrameTurnComplete = "turn_complete"
)

// ClientFrame is any JSON frame sent by a client.
type ClientFrame struct {
	Type          string `json:"type"`
	ChatID        string `json:"chat_id,omitempty"`
	Content       string `json:"content,omitempty"`
	ContentType   string `json:"content_type,omitempty"`
	AttachmentURL string `json:"attachment_url,omitempty"`
	IsTyping      bool   `json:"is_typing,omitempty"`
}

// MessageFrame carries a persisted chat message.
type MessageFrame struct {
	Type          string    `json:"type"`
	ChatID        string    `json:"chat_id"`
	MessageID     string    `json:"message_id"`
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	ContentType   string    `json:"content_type"`
	AttachmentURL string    `json:"attachment_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewMessageFrame wraps m in a frame of the given type.
func NewMessageFrame(typ string, m *Message) MessageFrame {
	return MessageFrame{
		Type:          typ,
		ChatID:        m.ChatID,
		MessageID:     m.ID,
		Role:          m.Role,
		Content:       m.Content,
		ContentType:   m.ContentType,
		AttachmentURL: m.AttachmentURL,
		CreatedAt:     m.CreatedAt,
	}
}

// TypingFrame signals the bot is composing.
type TypingFrame struct {
	Type     string `json:"type"`
	ChatID   string `json:"chat_id"`
	IsTyping bool   `json:"is_typing"`
}

// StreamFrame carries incremental assistant text.
type StreamFrame struct {
	Type   string `json:"type"`
	ChatID string `json:"chat_id"`
	Token  string `json:"token"`
}

// ErrorFrame reports a user-visible failure.
type ErrorFrame struct {
	Type    string `json:"type"`
	ChatID  string `json:"chat_id,omitempty"`
	Message string `json:"message"`
}

// ReminderFrame delivers a due message reminder to an online client.
type ReminderFrame struct {
	Type         string `json:"type"`
	ChatID       string `json:"chat_id"`
	Message      string `json:"message"`
	ReminderType string `json:"reminder_type"`
	ReminderID   string `json:"reminder_id"`
}

// ScheduledCallFrame asks a foreground client to show the incoming call UI.
type ScheduledCallFrame struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	ChatID    string `json:"chat_id"`
	BotName   string `json:"bot_name"`
	BotAvatar string `json:"bot_avatar,omitempty"`
	Message   string `json:"message,omitempty"`
}

// VoiceFrame carries a transcript line during a call.
type VoiceFrame struct {
	Type string `json:"type"`
	Role string `json:"role"`
	Text string `json:"text"`
}
