package agent

import (
	"context"
	"sort"
	"time"
)

// ToolContext identifies who a tool acts for. It is passed explicitly into
// every invocation so tools never depend on shared mutable state.
type ToolContext struct {
	UserID    string
	ChatID    string
	BotID     string
	SessionID string
	Now       time.Time
	// Location interprets naive local times supplied by the model.
	Location *time.Location
}

// Result is the structured outcome of a tool. It always has a "success" key.
type Result map[string]any

// OK builds a successful result carrying fields.
func OK(fields map[string]any) Result {
	r := Result{"success": true}
	for k, v := range fields {
		r[k] = v
	}
	return r
}

// Fail builds an error observation.
func Fail(msg string) Result {
	return Result{"success": false, "error": msg}
}

// Success reports the success flag.
func (r Result) Success() bool {
	ok, _ := r["success"].(bool)
	return ok
}

// Tool is a named capability the model may call.
type Tool interface {
	Name() string
	Description() string
	Schema() map[string]any
	Invoke(ctx context.Context, tc ToolContext, args map[string]any) (Result, error)
}

// Terminal is implemented by tools whose first successful call ends the run.
type Terminal interface {
	Terminal() bool
}

func isTerminal(t Tool) bool {
	term, ok := t.(Terminal)
	return ok && term.Terminal()
}

// Registry is a lookup table of tools by name.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a registry. Later tools replace earlier ones of the same name.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.Register(t)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.tools[t.Name()] = t
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// Names returns registered tool names in sorted order.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Specs describes every tool for the model, in name order.
func (r *Registry) Specs() []ToolSpec {
	names := r.Names()
	specs := make([]ToolSpec, 0, len(names))
	for _, n := range names {
		t := r.tools[n]
		specs = append(specs, ToolSpec{Name: t.Name(), Description: t.Description(), Schema: t.Schema()})
	}
	return specs
}

// Subset returns a registry holding only the named tools that exist here.
func (r *Registry) Subset(names ...string) *Registry {
	out := NewRegistry()
	for _, n := range names {
		if t, ok := r.Get(n); ok {
			out.Register(t)
		}
	}
	return out
}
