package agent

import (
	"context"
	"testing"

	"quill/internal/llm"
)

func TestCheckToolReplies(t *testing.T) {
	call := func(ids ...string) llm.Message {
		m := llm.Message{Role: llm.RoleAssistant}
		for _, id := range ids {
			m.ToolCalls = append(m.ToolCalls, llm.ToolCall{ID: id, Name: "x"})
		}
		return m
	}
	reply := func(id string) llm.Message {
		return llm.Message{Role: llm.RoleTool, ToolCallID: id}
	}
	user := llm.Message{Role: llm.RoleUser, Content: "hi"}

	tests := []struct {
		name string
		msgs []llm.Message
		ok   bool
	}{
		{"empty", nil, true},
		{"plain chat", []llm.Message{user, {Role: llm.RoleAssistant, Content: "hello"}}, true},
		{"answered in order", []llm.Message{user, call("1", "2"), reply("1"), reply("2")}, true},
		{"missing reply", []llm.Message{user, call("1", "2"), reply("1")}, false},
		{"out of order", []llm.Message{user, call("1", "2"), reply("2"), reply("1")}, false},
		{"duplicate reply", []llm.Message{user, call("1"), reply("1"), reply("1")}, false},
		{"orphan reply", []llm.Message{user, reply("9")}, false},
		{"user before reply", []llm.Message{call("1"), user, reply("1")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckToolReplies(tt.msgs)
			if (err == nil) != tt.ok {
				t.Errorf("CheckToolReplies() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestMemoryConversation_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryConversation(llm.Message{Role: llm.RoleUser, Content: "a"})
	msgs, _ := c.Messages(ctx)
	msgs[0].Content = "mutated"

	again, _ := c.Messages(ctx)
	if again[0].Content != "a" {
		t.Errorf("conversation shares backing array with caller")
	}
}
