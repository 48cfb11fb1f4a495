// Package agent runs the bounded reason/act/observe loop that drives bot
// replies, proactive check-ins and tool side effects.
package agent

import (
	"context"
	"errors"
)

// ErrModelInvocation wraps any failure returned by the model.
var ErrModelInvocation = errors.New("model invocation failed")

// Message roles inside a loop transcript.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is one function call requested by the model.
type ToolCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

// Message is one turn of the transcript sent to the model. Tool turns carry
// the result paired with the originating call ID.
type Message struct {
	Role       string
	Text       string
	ToolCalls  []ToolCall
	ToolCallID string
	ToolName   string
	Result     Result
}

// ToolSpec is what the model sees of a tool.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Request is a single model invocation.
type Request struct {
	System   string
	Messages []Message
	Tools    []ToolSpec
}

// Response is the model's reply: free text, tool calls, or both.
type Response struct {
	Text      string
	ToolCalls []ToolCall
}

// Model generates the next step of a conversation.
type Model interface {
	Generate(ctx context.Context, req *Request) (*Response, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, req *Request) (*Response, error)

// Generate calls f.
func (f ModelFunc) Generate(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}
