package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/ashureev/botsapp/internal/domain"
	"github.com/ashureev/botsapp/internal/observability"
)

// DefaultMaxIterations bounds a run when no ceiling is configured.
const DefaultMaxIterations = 10

// StopReason explains why a run ended.
type StopReason string

// Stop reasons.
const (
	StopDone      StopReason = "done"
	StopDelivered StopReason = "delivered"
	StopCeiling   StopReason = "ceiling"
	StopError     StopReason = "error"
)

// Delivery is the payload of the terminal tool.
type Delivery struct {
	Tool    string
	Message string
	Result  Result
}

// Outcome summarizes a run. Text holds everything the model said, even when
// the run ended with an error.
type Outcome struct {
	Text       string
	Delivered  *Delivery
	Iterations int
	ToolCalls  int
	Stop       StopReason
}

// Invocation is one run of the loop.
type Invocation struct {
	System  string
	History []Message
	// Input, when set, is appended as the final user turn.
	Input   string
	Tools   *Registry
	Context ToolContext
	// OnText receives each chunk of assistant text as soon as it is produced.
	OnText func(text string)
}

// Tracer records the steps of a run.
type Tracer interface {
	Trace(ctx context.Context, entry *domain.LifecycleMessage)
}

// Loop drives a Model through tool calls until it stops, delivers, or hits the ceiling.
type Loop struct {
	model         Model
	maxIterations int
	tracer        Tracer
	metrics       *observability.Metrics
	logger        *slog.Logger
}

// LoopOption configures a Loop.
type LoopOption func(*Loop)

// WithMaxIterations sets the ceiling. Values <= 0 keep the default.
func WithMaxIterations(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

// WithTracer records every step.
func WithTracer(t Tracer) LoopOption {
	return func(l *Loop) { l.tracer = t }
}

// WithMetrics records run and tool outcomes.
func WithMetrics(m *observability.Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(lg *slog.Logger) LoopOption {
	return func(l *Loop) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// NewLoop creates a loop around model.
func NewLoop(model Model, opts ...LoopOption) *Loop {
	l := &Loop{
		model:         model,
		maxIterations: DefaultMaxIterations,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Run executes the loop. Tool failures become observations and the run goes
// on; a model failure ends the run with ErrModelInvocation. Hitting the
// iteration ceiling is not an error.
func (l *Loop) Run(ctx context.Context, inv Invocation) (Outcome, error) {
	var out Outcome
	var text []string

	msgs := make([]Message, len(inv.History), len(inv.History)+1)
	copy(msgs, inv.History)
	if inv.Input != "" {
		msgs = append(msgs, Message{Role: RoleUser, Text: inv.Input})
	}

	l.trace(ctx, inv.Context, domain.RoleSystem, inv.System, domain.ContentSystemPrompt)
	if inv.Input != "" {
		l.trace(ctx, inv.Context, domain.RoleUser, inv.Input, domain.ContentText)
	}

	specs := inv.Tools.Specs()
	finish := func(stop StopReason) {
		out.Stop = stop
		out.Text = strings.Join(text, "\n")
		if l.metrics != nil {
			l.metrics.AgentRuns.WithLabelValues(string(stop)).Inc()
			l.metrics.AgentIterations.Observe(float64(out.Iterations))
		}
	}

	for i := 0; i < l.maxIterations; i++ {
		if err := ctx.Err(); err != nil {
			finish(StopError)
			return out, err
		}

		resp, err := l.model.Generate(ctx, &Request{System: inv.System, Messages: msgs, Tools: specs})
		out.Iterations = i + 1
		if err != nil {
			finish(StopError)
			l.logger.Error("Model invocation failed", "chat_id", inv.Context.ChatID, "iteration", i+1, "error", err)
			return out, fmt.Errorf("%w: %w", ErrModelInvocation, err)
		}
		if resp == nil {
			resp = &Response{}
		}

		if t := strings.TrimSpace(resp.Text); t != "" {
			text = append(text, t)
			l.trace(ctx, inv.Context, domain.RoleAssistant, t, domain.ContentText)
			if inv.OnText != nil {
				inv.OnText(t)
			}
		}

		if len(resp.ToolCalls) == 0 {
			finish(StopDone)
			return out, nil
		}

		calls := make([]ToolCall, len(resp.ToolCalls))
		for j, c := range resp.ToolCalls {
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			calls[j] = c
		}
		msgs = append(msgs, Message{Role: RoleAssistant, Text: resp.Text, ToolCalls: calls})

		for _, call := range calls {
			out.ToolCalls++
			l.trace(ctx, inv.Context, domain.RoleAssistant, encodeTrace(call), domain.ContentToolCall)

			tool, result := l.execute(ctx, inv.Tools, inv.Context, call)
			msgs = append(msgs, Message{Role: RoleTool, ToolCallID: call.ID, ToolName: call.Name, Result: result})
			l.trace(ctx, inv.Context, domain.RoleTool, encodeTrace(map[string]any{"id": call.ID, "name": call.Name, "result": result}), domain.ContentToolResult)

			if tool != nil && isTerminal(tool) && result.Success() {
				msg, _ := result["message"].(string)
				out.Delivered = &Delivery{Tool: call.Name, Message: msg, Result: result}
				finish(StopDelivered)
				return out, nil
			}
		}
	}

	l.logger.Warn("Agent loop hit iteration ceiling", "chat_id", inv.Context.ChatID, "max_iterations", l.maxIterations)
	finish(StopCeiling)
	return out, nil
}

// execute runs one call and never fails: every problem becomes an error result.
func (l *Loop) execute(ctx context.Context, tools *Registry, tc ToolContext, call ToolCall) (tool Tool, result Result) {
	tool, ok := tools.Get(call.Name)
	if !ok {
		l.countTool(call.Name, false)
		return nil, Fail("unknown tool: " + call.Name)
	}

	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("Tool panicked", "tool", call.Name, "panic", rec)
			result = Fail(fmt.Sprintf("tool %s panicked: %v", call.Name, rec))
			l.countTool(call.Name, false)
		}
	}()

	args := call.Args
	if args == nil {
		args = map[string]any{}
	}
	res, err := tool.Invoke(ctx, tc, args)
	switch {
	case err != nil:
		l.logger.Warn("Tool failed", "tool", call.Name, "chat_id", tc.ChatID, "error", err)
		result = Fail(err.Error())
	case res == nil:
		result = OK(nil)
	default:
		if _, has := res["success"]; !has {
			res["success"] = true
		}
		result = res
	}
	l.countTool(call.Name, result.Success())
	return tool, result
}

func (l *Loop) countTool(name string, ok bool) {
	if l.metrics == nil {
		return
	}
	status := "success"
	if !ok {
		status = "error"
	}
	l.metrics.ToolExecutions.WithLabelValues(name, status).Inc()
}

func (l *Loop) trace(ctx context.Context, tc ToolContext, role, content, contentType string) {
	if l.tracer == nil || content == "" {
		return
	}
	l.tracer.Trace(ctx, &domain.LifecycleMessage{
		ChatID:      tc.ChatID,
		BotID:       tc.BotID,
		SessionID:   tc.SessionID,
		Role:        role,
		Content:     content,
		ContentType: contentType,
	})
}
