package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"quill/internal/llm"
)

// ToolCallRequest is a fully assembled tool call. ParseErr is set, and Args
// nil, when RawArgs is not a JSON object.
type ToolCallRequest struct {
	Index    int            `json:"index"`
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	RawArgs  string         `json:"arguments"`
	Args     map[string]any `json:"-"`
	ParseErr error          `json:"-"`
}

// Input returns the argument text handed to executors.
func (r ToolCallRequest) Input() string {
	if strings.TrimSpace(r.RawArgs) == "" {
		return "{}"
	}
	return r.RawArgs
}

func (r ToolCallRequest) toolCall() llm.ToolCall {
	return llm.ToolCall{ID: r.ID, Name: r.Name, Arguments: r.Input()}
}

type partialCall struct {
	index int
	id    string
	name  string
	args  strings.Builder
}

// Assembler folds streamed ToolCallDeltas into ToolCallRequests. It is not
// safe for concurrent use; one Assembler serves one response.
type Assembler struct {
	prefix string
	calls  map[int]*partialCall
	order  []int
}

// NewAssembler returns an assembler that names id-less calls
// "<prefix>_<index>".
func NewAssembler(prefix string) *Assembler {
	return &Assembler{prefix: prefix, calls: make(map[int]*partialCall)}
}

// Add applies one delta and returns the call's current id and name, and
// whether this delta opened the call.
func (a *Assembler) Add(d llm.ToolCallDelta) (id, name string, started bool) {
	c, ok := a.calls[d.Index]
	if !ok {
		c = &partialCall{index: d.Index, id: d.ID}
		if c.id == "" {
			c.id = fmt.Sprintf("%s_%d", a.prefix, d.Index)
		}
		a.calls[d.Index] = c
		a.order = append(a.order, d.Index)
		started = true
	}
	if c.name == "" {
		c.name = d.Name
	}
	c.args.WriteString(d.ArgsFragment)
	return c.id, c.name, started
}

func (a *Assembler) Len() int { return len(a.order) }

// Finish parses every buffered call in first-observed order.
func (a *Assembler) Finish() []ToolCallRequest {
	out := make([]ToolCallRequest, 0, len(a.order))
	for _, idx := range a.order {
		c := a.calls[idx]
		req := ToolCallRequest{Index: c.index, ID: c.id, Name: c.name, RawArgs: c.args.String()}
		req.Args, req.ParseErr = parseArgs(req.RawArgs)
		out = append(out, req)
	}
	return out
}

var errNotObject = errors.New("arguments must be a JSON object")

func parseArgs(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, &ToolArgumentError{Raw: raw, Err: err}
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return nil, &ToolArgumentError{Raw: raw, Err: errNotObject}
	}
	return obj, nil
}
