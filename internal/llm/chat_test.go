package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func sseServer(t *testing.T, status int, frames ...string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			fmt.Fprint(w, `{"error":{"message":"boom","type":"server_error"}}`)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, f := range frames {
			fmt.Fprint(w, f)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, ch <-chan Event) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
}

func chatChunk(delta string, finish string) string {
	fr := "null"
	if finish != "" {
		fr = fmt.Sprintf("%q", finish)
	}
	return fmt.Sprintf(`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":%s,"finish_reason":%s}]}`+"\n\n", delta, fr)
}

func TestChatClient_StreamsTextAndToolCalls(t *testing.T) {
	srv := sseServer(t, http.StatusOK,
		chatChunk(`{"content":"Let me look."}`, ""),
		chatChunk(`{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"list_files","arguments":""}}]}`, ""),
		chatChunk(`{"tool_calls":[{"index":0,"function":{"arguments":"{\"path\":"}}]}`, ""),
		chatChunk(`{"tool_calls":[{"index":0,"function":{"arguments":"\"src\"}"}}]}`, ""),
		chatChunk(`{}`, "tool_calls"),
		`data: {"id":"c1","object":"chat.completion.chunk","created":1,"model":"m","choices":[],"usage":{"prompt_tokens":12,"completion_tokens":7,"total_tokens":19}}`+"\n\n",
		"data: [DONE]\n\n",
	)

	c := NewChat("groq", srv.URL+"/", "key", "m")
	ch, err := c.StreamCompletion(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "list src"}},
		Tools:    []ToolDefinition{{Name: "list_files", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	events := collect(t, ch)

	var kinds []string
	var args strings.Builder
	for _, ev := range events {
		kinds = append(kinds, ev.Kind.String())
		if ev.Kind == EventToolCallDelta {
			args.WriteString(ev.ToolCall.ArgsFragment)
		}
	}
	want := "text_delta,tool_call_delta,tool_call_delta,tool_call_delta,usage,done"
	if got := strings.Join(kinds, ","); got != want {
		t.Fatalf("event kinds = %s, want %s", got, want)
	}
	if events[1].ToolCall.ID != "call_a" || events[1].ToolCall.Name != "list_files" {
		t.Errorf("first tool delta = %+v", events[1].ToolCall)
	}
	if args.String() != `{"path":"src"}` {
		t.Errorf("args = %q", args.String())
	}
	if u := events[4].Usage; u.InputTokens != 12 || u.OutputTokens != 7 {
		t.Errorf("usage = %+v", u)
	}
}

func TestChatClient_StatusErrors(t *testing.T) {
	tests := []struct {
		status    int
		retryable bool
	}{
		{http.StatusInternalServerError, true},
		{http.StatusTooManyRequests, true},
		{http.StatusUnauthorized, false},
		{http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := sseServer(t, tt.status)
			c := NewChat("groq", srv.URL+"/", "key", "m")
			_, err := c.StreamCompletion(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ProviderError", err)
			}
			if pe.StatusCode != tt.status {
				t.Errorf("status = %d, want %d", pe.StatusCode, tt.status)
			}
			if pe.Retryable != tt.retryable {
				t.Errorf("retryable = %v, want %v", pe.Retryable, tt.retryable)
			}
		})
	}
}

func TestChatClient_TruncatedStreamFails(t *testing.T) {
	srv := sseServer(t, http.StatusOK, chatChunk(`{"content":"par"}`, ""))
	c := NewChat("groq", srv.URL+"/", "key", "m")
	ch, err := c.StreamCompletion(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	events := collect(t, ch)
	last := events[len(events)-1]
	if last.Kind != EventError {
		t.Fatalf("last event = %s, want error", last.Kind)
	}
	if !IsRetryable(last.Err) {
		t.Errorf("truncated stream should be retryable: %v", last.Err)
	}
}

func TestChatMessages_ToolRoundTrip(t *testing.T) {
	msgs := chatMessages("be brief", []Message{
		{Role: RoleUser, Content: "list"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "1", Name: "list_files", Arguments: `{}`}}},
		{Role: RoleTool, ToolCallID: "1", Content: "a.go"},
	})
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 4", len(msgs))
	}
	if msgs[0].OfSystem == nil {
		t.Error("first message should be the system prompt")
	}
	asst := msgs[2].OfAssistant
	if asst == nil || len(asst.ToolCalls) != 1 || asst.ToolCalls[0].OfFunction.ID != "1" {
		t.Errorf("assistant tool calls not converted: %+v", asst)
	}
	if msgs[3].OfTool == nil || msgs[3].OfTool.ToolCallID != "1" {
		t.Errorf("tool message not converted: %+v", msgs[3])
	}
}
