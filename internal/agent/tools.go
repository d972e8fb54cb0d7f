package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"quill/internal/llm"
	"quill/internal/observe"
)

type Tool interface {
	Name() string
	Description() string
	InputSchema() any
	Execute(ctx context.Context, input string) (string, error)
}

// Classifier is implemented by tools whose risk depends on their arguments.
type Classifier interface {
	Permission(args map[string]any) Permission
}

// Registry maps tool names to executors. It is populated during wiring and
// only read afterwards, so concurrent runs may share one.
type Registry struct {
	tools   map[string]Tool
	metrics *observe.Metrics
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// SetMetrics attaches instruments to record tool outcomes. Call during wiring.
func (r *Registry) SetMetrics(m *observe.Metrics) {
	r.metrics = m
}

func (r *Registry) Register(t Tool) {
	if _, dup := r.tools[t.Name()]; dup {
		slog.Warn("tool registered twice, replacing", "tool", t.Name())
	}
	r.tools[t.Name()] = t
}

func (r *Registry) Get(name string) (Tool, bool) {
	t, ok := r.tools[name]
	return t, ok
}

func (r *Registry) Len() int { return len(r.tools) }

// All returns the tools sorted by name.
func (r *Registry) All() []Tool {
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Scope returns a registry restricted to names. An empty list keeps every
// tool.
func (r *Registry) Scope(names []string) *Registry {
	if len(names) == 0 {
		return r
	}
	scoped := &Registry{tools: make(map[string]Tool, len(names)), metrics: r.metrics}
	for _, name := range names {
		t, ok := r.tools[name]
		if !ok {
			slog.Warn("scoped tool not registered", "tool", name)
			continue
		}
		scoped.tools[name] = t
	}
	return scoped
}

func (r *Registry) Definitions() []llm.ToolDefinition {
	tools := r.All()
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  schemaMap(t.InputSchema()),
		})
	}
	return defs
}

func schemaMap(schema any) map[string]any {
	switch s := schema.(type) {
	case map[string]any:
		return s
	case nil:
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// Permission classifies req, preferring the tool's own Classifier.
func (r *Registry) Permission(req ToolCallRequest) Permission {
	if t, ok := r.tools[req.Name]; ok {
		if c, ok := unwrapTool(t).(Classifier); ok {
			return c.Permission(req.Args)
		}
	}
	return ClassifyTool(req.Name, req.Args)
}

// Execute runs an approved call. Every failure, including a panic inside the
// executor, comes back as a failed ToolResult.
func (r *Registry) Execute(ctx context.Context, req ToolCallRequest) ToolResult {
	res := ToolResult{CallID: req.ID, Name: req.Name}

	t, ok := r.tools[req.Name]
	if !ok {
		res.Outcome = OutcomeError
		res.Content = fmt.Sprintf("Tool '%s' not found", req.Name)
		r.metrics.RecordTool(ctx, req.Name, string(res.Outcome), 0)
		return res
	}
	if req.ParseErr != nil {
		res.Outcome = OutcomeError
		res.Content = "Failed to parse tool arguments: " + req.ParseErr.Error()
		r.metrics.RecordTool(ctx, req.Name, string(res.Outcome), 0)
		return res
	}

	start := time.Now()
	out, err := invoke(ctx, withTrace(t), req)
	if err != nil {
		slog.Warn("tool execution failed", "tool", req.Name, "call_id", req.ID, "error", err)
		res.Outcome = OutcomeError
		res.Content = "Error: " + err.Error()
	} else {
		res.Outcome = OutcomeOK
		res.Content = out
	}
	r.metrics.RecordTool(ctx, req.Name, string(res.Outcome), time.Since(start))
	return res
}

func invoke(ctx context.Context, t Tool, req ToolCallRequest) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("tool panicked", "tool", req.Name, "call_id", req.ID, "panic", p, "stack", string(debug.Stack()))
			err = &ToolExecutionError{Tool: req.Name, Err: fmt.Errorf("panic: %v", p)}
		}
	}()
	out, err = t.Execute(ctx, req.Input())
	if err != nil {
		err = &ToolExecutionError{Tool: req.Name, Err: err}
	}
	return out, err
}
