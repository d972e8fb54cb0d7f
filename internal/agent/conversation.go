package agent

import (
	"context"
	"fmt"
	"sync"

	"quill/internal/llm"
)

// Conversation is the message log a Loop reads before each request and
// appends to as the run progresses.
type Conversation interface {
	Messages(ctx context.Context) ([]llm.Message, error)
	Append(ctx context.Context, msgs ...llm.Message) error
}

type MemoryConversation struct {
	mu   sync.Mutex
	msgs []llm.Message
}

func NewMemoryConversation(initial ...llm.Message) *MemoryConversation {
	return &MemoryConversation{msgs: append([]llm.Message(nil), initial...)}
}

func (c *MemoryConversation) Messages(context.Context) ([]llm.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Message(nil), c.msgs...), nil
}

func (c *MemoryConversation) Append(_ context.Context, msgs ...llm.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msgs...)
	return nil
}

// CheckToolReplies verifies that every assistant tool call is answered by
// exactly one tool message, in call order, before the next non-tool message.
func CheckToolReplies(msgs []llm.Message) error {
	for i := 0; i < len(msgs); i++ {
		m := msgs[i]
		if m.Role == llm.RoleTool {
			return fmt.Errorf("message %d: tool reply %q without a preceding tool call", i, m.ToolCallID)
		}
		if m.Role != llm.RoleAssistant || len(m.ToolCalls) == 0 {
			continue
		}
		for j, call := range m.ToolCalls {
			k := i + 1 + j
			if k >= len(msgs) || msgs[k].Role != llm.RoleTool {
				return fmt.Errorf("message %d: tool call %q has no reply", i, call.ID)
			}
			if msgs[k].ToolCallID != call.ID {
				return fmt.Errorf("message %d: reply %q does not match tool call %q", k, msgs[k].ToolCallID, call.ID)
			}
		}
		i += len(m.ToolCalls)
	}
	return nil
}
