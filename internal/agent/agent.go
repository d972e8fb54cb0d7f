// Package agent runs the streaming tool-use conversation loop: it assembles
// tool calls from provider deltas, routes them through an approval gate,
// executes the approved ones and feeds results back to the model.
package agent

import (
	"context"

	"quill/internal/llm"
)

type EventType string

const (
	EventIterationStarted EventType = "iteration_started"
	EventTextDelta        EventType = "text_delta"
	EventToolCallStarted  EventType = "tool_call_started"
	EventToolCallArgs     EventType = "tool_call_args_delta"
	EventToolCallReady    EventType = "tool_call_ready"
	EventApproval         EventType = "approval_requested"
	EventToolResult       EventType = "tool_result"
	EventTurnComplete     EventType = "turn_complete"
	EventUsage            EventType = "usage"
	EventRetry            EventType = "retry"
	EventError            EventType = "error"
)

// Event is one entry on a run's event stream. Only the fields relevant to
// Type are set.
type Event struct {
	Type      EventType `json:"type"`
	RunID     string    `json:"run_id"`
	Iteration int       `json:"iteration,omitempty"`

	Text string `json:"text,omitempty"`

	CallID   string `json:"call_id,omitempty"`
	Name     string `json:"name,omitempty"`
	Fragment string `json:"fragment,omitempty"`

	Request *ToolCallRequest `json:"request,omitempty"`
	Result  *ToolResult      `json:"result,omitempty"`
	Message *llm.Message     `json:"message,omitempty"`
	Usage   *llm.Usage       `json:"usage,omitempty"`

	// Attempt and Discard describe a retry. Discard means text already
	// streamed for this iteration belongs to an abandoned response.
	Attempt int  `json:"attempt,omitempty"`
	Discard bool `json:"discard,omitempty"`

	ErrorKind ErrorKind `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
}

type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeError     Outcome = "error"
	OutcomeDenied    Outcome = "denied"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeCancelled Outcome = "cancelled"
)

// ToolResult is what a resolved tool call contributes to the conversation.
type ToolResult struct {
	CallID  string  `json:"call_id"`
	Name    string  `json:"name"`
	Outcome Outcome `json:"outcome"`
	Content string  `json:"content"`
}

func (r ToolResult) OK() bool { return r.Outcome == OutcomeOK }

func (r ToolResult) message() llm.Message {
	return llm.Message{Role: llm.RoleTool, ToolCallID: r.CallID, Name: r.Name, Content: r.Content}
}

type ToolExecution struct {
	Request ToolCallRequest `json:"request"`
	Result  ToolResult      `json:"result"`
}

// Result summarizes a run. It is returned even when the run fails, holding
// whatever completed before the failure.
type Result struct {
	RunID      string          `json:"run_id"`
	Message    llm.Message     `json:"message"`
	Iterations int             `json:"iterations"`
	ToolCalls  []ToolExecution `json:"tool_calls,omitempty"`
	Usage      llm.Usage       `json:"usage"`
}

// Runner is implemented by Loop. The orchestrator and gateway depend on it
// so they can be driven by test doubles.
type Runner interface {
	Run(ctx context.Context, userMessage string, events chan<- Event) (*Result, error)
}
