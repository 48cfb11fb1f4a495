package domain

import "time"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Content types for chat messages and lifecycle traces.
const (
	ContentText         = "text"
	ContentImage        = "image"
	ContentSystemPrompt = "system_prompt"
	ContentToolCall     = "tool_call"
	ContentToolResult   = "tool_result"
)

// Message is one entry of the user-visible chat history.
type Message struct {
	ID            string    `json:"id"`
	ChatID        string    `json:"chat_id"`
	Role          string    `json:"role"`
	Content       string    `json:"content"`
	ContentType   string    `json:"content_type"`
	AttachmentURL string    `json:"attachment_url,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// LifecycleMessage is an append-only trace entry of one agent run.
type LifecycleMessage struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	BotID       string    `json:"bot_id"`
	SessionID   string    `json:"session_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	CreatedAt   time.Time `json:"created_at"`
}
