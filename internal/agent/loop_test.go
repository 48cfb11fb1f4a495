package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/ashureev/botsapp/internal/domain"
	"github.com/ashureev/botsapp/internal/observability"
)

type countingTool struct {
	name  string
	mu    sync.Mutex
	calls int
	err   error
	panic bool
}

func (t *countingTool) Name() string           { return t.name }
func (t *countingTool) Description() string    { return "test tool" }
func (t *countingTool) Schema() map[string]any { return map[string]any{"type": "object"} }

func (t *countingTool) Invoke(_ context.Context, _ ToolContext, _ map[string]any) (Result, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	if t.panic {
		panic("boom")
	}
	if t.err != nil {
		return nil, t.err
	}
	return OK(map[string]any{"value": 1}), nil
}

func (t *countingTool) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

type countingSend struct {
	SendMessageTool
	calls int
}

func (s *countingSend) Invoke(ctx context.Context, tc ToolContext, args map[string]any) (Result, error) {
	s.calls++
	return s.SendMessageTool.Invoke(ctx, tc, args)
}

type memTracer struct {
	mu      sync.Mutex
	entries []*domain.LifecycleMessage
}

func (m *memTracer) Trace(_ context.Context, e *domain.LifecycleMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
}

func TestRunStopsAtCeilingWithAdversarialModel(t *testing.T) {
	t.Parallel()

	tool := &countingTool{name: "lookup"}
	invocations := 0
	model := ModelFunc(func(_ context.Context, _ *Request) (*Response, error) {
		invocations++
		return &Response{ToolCalls: []ToolCall{{Name: "lookup"}}}, nil
	})

	m := observability.NewMetrics(prometheus.NewRegistry())
	loop := NewLoop(model, WithMaxIterations(4), WithMetrics(m))
	out, err := loop.Run(context.Background(), Invocation{Input: "hi", Tools: NewRegistry(tool)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Stop != StopCeiling {
		t.Fatalf("Stop = %q, want %q", out.Stop, StopCeiling)
	}
	if invocations != 4 || out.Iterations != 4 {
		t.Fatalf("invocations = %d, iterations = %d, want 4", invocations, out.Iterations)
	}
	if tool.count() != 4 {
		t.Fatalf("tool calls = %d, want 4", tool.count())
	}
	if got := testutil.ToFloat64(m.AgentRuns.WithLabelValues(string(StopCeiling))); got != 1 {
		t.Fatalf("ceiling runs = %v, want 1", got)
	}
}

func TestRunDefaultCeiling(t *testing.T) {
	t.Parallel()

	invocations := 0
	model := ModelFunc(func(_ context.Context, _ *Request) (*Response, error) {
		invocations++
		return &Response{ToolCalls: []ToolCall{{Name: "missing"}}}, nil
	})
	out, err := NewLoop(model, WithMaxIterations(0)).Run(context.Background(), Invocation{Tools: NewRegistry()})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if invocations != DefaultMaxIterations || out.Stop != StopCeiling {
		t.Fatalf("invocations = %d stop = %q, want %d ceiling", invocations, out.Stop, DefaultMaxIterations)
	}
}

func TestRunDeliversAtMostOnce(t *testing.T) {
	t.Parallel()

	send := &countingSend{}
	other := &countingTool{name: "after"}
	model := ModelFunc(func(_ context.Context, _ *Request) (*Response, error) {
		return &Response{ToolCalls: []ToolCall{
			{Name: ToolSendMessage, Args: map[string]any{"message": "first"}},
			{Name: ToolSendMessage, Args: map[string]any{"message": "second"}},
			{Name: "after"},
		}}, nil
	})

	out, err := NewLoop(model).Run(context.Background(), Invocation{Tools: NewRegistry(send, other)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Stop != StopDelivered || out.Delivered == nil {
		t.Fatalf("Stop = %q Delivered = %v, want delivered", out.Stop, out.Delivered)
	}
	if out.Delivered.Message != "first" {
		t.Fatalf("Delivered.Message = %q, want first", out.Delivered.Message)
	}
	if send.calls != 1 {
		t.Fatalf("send_message executed %d times, want 1", send.calls)
	}
	if other.count() != 0 {
		t.Fatal("tools after delivery must not run")
	}
	if out.Iterations != 1 {
		t.Fatalf("Iterations = %d, want 1", out.Iterations)
	}
}

func TestRunFailedDeliveryDoesNotTerminate(t *testing.T) {
	t.Parallel()

	var seen []Message
	step := 0
	model := ModelFunc(func(_ context.Context, req *Request) (*Response, error) {
		step++
		seen = req.Messages
		if step == 1 {
			return &Response{ToolCalls: []ToolCall{{ID: "c1", Name: ToolSendMessage, Args: map[string]any{"message": "  "}}}}, nil
		}
		return &Response{Text: "done"}, nil
	})

	out, err := NewLoop(model).Run(context.Background(), Invocation{Input: "hello", Tools: NewRegistry(SendMessageTool{})})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Delivered != nil || out.Stop != StopDone {
		t.Fatalf("Stop = %q Delivered = %v, want done without delivery", out.Stop, out.Delivered)
	}
	last := seen[len(seen)-1]
	if last.Role != RoleTool || last.ToolCallID != "c1" || last.Result.Success() {
		t.Fatalf("last observation = %+v, want failed result for c1", last)
	}
}

func TestRunToolErrorsBecomeObservations(t *testing.T) {
	t.Parallel()

	failing := &countingTool{name: "fails", err: errors.New("backend down")}
	panicking := &countingTool{name: "panics", panic: true}

	var observations []Message
	step := 0
	model := ModelFunc(func(_ context.Context, req *Request) (*Response, error) {
		step++
		if step == 1 {
			return &Response{ToolCalls: []ToolCall{
				{ID: "a", Name: "fails"},
				{ID: "b", Name: "panics"},
				{ID: "c", Name: "nope"},
			}}, nil
		}
		for _, m := range req.Messages {
			if m.Role == RoleTool {
				observations = append(observations, m)
			}
		}
		return &Response{Text: "recovered"}, nil
	})

	m := observability.NewMetrics(prometheus.NewRegistry())
	out, err := NewLoop(model, WithMetrics(m)).Run(context.Background(), Invocation{Tools: NewRegistry(failing, panicking)})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if out.Text != "recovered" || out.Stop != StopDone {
		t.Fatalf("out = %+v", out)
	}
	if len(observations) != 3 {
		t.Fatalf("observations = %d, want 3", len(observations))
	}
	wantIDs := []string{"a", "b", "c"}
	for i, o := range observations {
		if o.ToolCallID != wantIDs[i] {
			t.Fatalf("observation %d id = %q, want %q", i, o.ToolCallID, wantIDs[i])
		}
		if o.Result.Success() {
			t.Fatalf("observation %d should be a failure", i)
		}
		if msg, _ := o.Result["error"].(string); msg == "" {
			t.Fatalf("observation %d has no error text", i)
		}
	}
	if !strings.Contains(observations[0].Result["error"].(string), "backend down") {
		t.Fatalf("error = %v", observations[0].Result["error"])
	}
	if got := testutil.ToFloat64(m.ToolExecutions.WithLabelValues("fails", "error")); got != 1 {
		t.Fatalf("tool error metric = %v, want 1", got)
	}
}

func TestRunModelFailureKeepsPartialText(t *testing.T) {
	t.Parallel()

	step := 0
	model := ModelFunc(func(_ context.Context, _ *Request) (*Response, error) {
		step++
		if step == 1 {
			return &Response{Text: "thinking", ToolCalls: []ToolCall{{Name: "noop"}}}, nil
		}
		return nil, errors.New("quota exceeded")
	})

	var streamed []string
	out, err := NewLoop(model).Run(context.Background(), Invocation{
		Tools:  NewRegistry(&countingTool{name: "noop"}),
		OnText: func(s string) { streamed = append(streamed, s) },
	})
	if !errors.Is(err, ErrModelInvocation) {
		t.Fatalf("Run() error = %v, want ErrModelInvocation", err)
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("error %q lost the cause", err)
	}
	if out.Stop != StopError || out.Text != "thinking" {
		t.Fatalf("out = %+v, want error stop with partial text", out)
	}
	if len(streamed) != 1 || streamed[0] != "thinking" {
		t.Fatalf("streamed = %v", streamed)
	}
}

func TestRunPassesToolContext(t *testing.T) {
	t.Parallel()

	var got ToolContext
	inspect := toolFunc{name: "inspect_context", fn: func(tc ToolContext) { got = tc }}
	step := 0
	model := ModelFunc(func(_ context.Context, _ *Request) (*Response, error) {
		step++
		if step == 1 {
			return &Response{ToolCalls: []ToolCall{{Name: "inspect_context"}}}, nil
		}
		return &Response{}, nil
	})

	tc := ToolContext{UserID: "u1", ChatID: "c1", BotID: "b1", SessionID: "s1"}
	if _, err := NewLoop(model).Run(context.Background(), Invocation{Tools: NewRegistry(inspect), Context: tc}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if got.UserID != "u1" || got.ChatID != "c1" || got.BotID != "b1" || got.SessionID != "s1" {
		t.Fatalf("ToolContext = %+v", got)
	}
}

func TestRunTracesSteps(t *testing.T) {
	t.Parallel()

	tracer := &memTracer{}
	step := 0
	model := ModelFunc(func(_ context.Context, _ *Request) (*Response, error) {
		step++
		if step == 1 {
			return &Response{ToolCalls: []ToolCall{{Name: ToolSendMessage, Args: map[string]any{"message": "hey"}}}}, nil
		}
		return &Response{}, nil
	})

	_, err := NewLoop(model, WithTracer(tracer)).Run(context.Background(), Invocation{
		System:  "be nice",
		Input:   "check in",
		Tools:   NewRegistry(SendMessageTool{}),
		Context: ToolContext{ChatID: "c1", SessionID: "s1"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := []string{domain.ContentSystemPrompt, domain.ContentText, domain.ContentToolCall, domain.ContentToolResult}
	if len(tracer.entries) != len(want) {
		t.Fatalf("trace entries = %d, want %d", len(tracer.entries), len(want))
	}
	for i, e := range tracer.entries {
		if e.ContentType != want[i] || e.SessionID != "s1" {
			t.Fatalf("entry %d = %+v, want content type %q", i, e, want[i])
		}
	}
}

type toolFunc struct {
	name string
	fn   func(ToolContext)
}

func (t toolFunc) Name() string           { return t.name }
func (t toolFunc) Description() string    { return "" }
func (t toolFunc) Schema() map[string]any { return nil }

func (t toolFunc) Invoke(_ context.Context, tc ToolContext, _ map[string]any) (Result, error) {
	t.fn(tc)
	return nil, nil
}
