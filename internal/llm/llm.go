// Package llm defines the provider-neutral streaming contract the agent loop
// consumes, plus the concrete clients that translate vendor streams into it.
package llm

import "context"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a completed tool invocation as recorded on an assistant message.
// Arguments is the raw JSON text the model produced.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	// Name carries the tool name on tool messages; some backends require it.
	Name string `json:"name,omitempty"`
}

// ToolDefinition is the schema hint sent to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type Request struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	Tools        []ToolDefinition
	Temperature  *float64
	MaxTokens    int
}

type EventKind int

const (
	EventTextDelta EventKind = iota
	EventToolCallDelta
	EventUsage
	EventDone
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventTextDelta:
		return "text_delta"
	case EventToolCallDelta:
		return "tool_call_delta"
	case EventUsage:
		return "usage"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// ToolCallDelta is one streamed fragment of a tool call. Index identifies the
// call within the response; ID and Name are usually only present on the first
// fragment for an index.
type ToolCallDelta struct {
	Index        int
	ID           string
	Name         string
	ArgsFragment string
}

type Usage struct {
	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
}

// Event is a single item on a provider stream. Exactly one terminal event
// (Done or Error) is sent before the channel is closed.
type Event struct {
	Kind     EventKind
	Text     string
	ToolCall ToolCallDelta
	Usage    Usage
	Err      error
}

// Client streams one model response per call. Implementations never retry;
// cancelling ctx stops the producer and releases the underlying connection.
type Client interface {
	StreamCompletion(ctx context.Context, req Request) (<-chan Event, error)
}

const streamBuffer = 32

// stream is the producer side shared by all clients. Every send observes ctx
// so a cancelled consumer never leaves a producer goroutine blocked.
type stream struct {
	ctx context.Context
	ch  chan Event
}

func newStream(ctx context.Context) *stream {
	return &stream{ctx: ctx, ch: make(chan Event, streamBuffer)}
}

func (s *stream) send(ev Event) bool {
	select {
	case s.ch <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *stream) text(t string) bool {
	if t == "" {
		return true
	}
	return s.send(Event{Kind: EventTextDelta, Text: t})
}

func (s *stream) toolDelta(d ToolCallDelta) bool {
	return s.send(Event{Kind: EventToolCallDelta, ToolCall: d})
}

func (s *stream) usage(u Usage) bool {
	return s.send(Event{Kind: EventUsage, Usage: u})
}

func (s *stream) done() {
	s.send(Event{Kind: EventDone})
}

func (s *stream) fail(err error) {
	s.send(Event{Kind: EventError, Err: err})
}
