package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
)

func responsesFrame(body string) string {
	return "data: " + body + "\n\n"
}

func TestOpenAIClient_StreamsTextAndFunctionCalls(t *testing.T) {
	srv := sseServer(t, http.StatusOK,
		responsesFrame(`{"type":"response.created","sequence_number":0,"response":{"id":"resp_1","status":"in_progress"}}`),
		responsesFrame(`{"type":"response.output_text.delta","sequence_number":1,"output_index":0,"content_index":0,"item_id":"msg_1","delta":"Looking "}`),
		responsesFrame(`{"type":"response.output_text.delta","sequence_number":2,"output_index":0,"content_index":0,"item_id":"msg_1","delta":"now."}`),
		responsesFrame(`{"type":"response.output_item.added","sequence_number":3,"output_index":1,"item":{"type":"function_call","id":"fc_1","call_id":"call_1","name":"read_file","arguments":"","status":"in_progress"}}`),
		responsesFrame(`{"type":"response.function_call_arguments.delta","sequence_number":4,"output_index":1,"item_id":"fc_1","delta":"{\"path\":"}`),
		responsesFrame(`{"type":"response.function_call_arguments.delta","sequence_number":5,"output_index":1,"item_id":"fc_1","delta":"\"a.go\"}"}`),
		responsesFrame(`{"type":"response.output_item.added","sequence_number":6,"output_index":2,"item":{"type":"function_call","id":"fc_2","call_id":"call_2","name":"grep","arguments":"{}","status":"in_progress"}}`),
		responsesFrame(`{"type":"response.completed","sequence_number":7,"response":{"id":"resp_1","status":"completed","usage":{"input_tokens":21,"output_tokens":8,"total_tokens":29}}}`),
	)

	c := NewOpenAI("openai", srv.URL+"/", "key", "gpt-test")
	ch, err := c.StreamCompletion(context.Background(), Request{
		SystemPrompt: "be brief",
		Messages:     []Message{{Role: RoleUser, Content: "read a.go"}},
		Tools:        []ToolDefinition{{Name: "read_file", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("StreamCompletion: %v", err)
	}
	events := collect(t, ch)

	want := "text_delta,text_delta,tool_call_delta,tool_call_delta,tool_call_delta,tool_call_delta,usage,done"
	if got := kinds(events); got != want {
		t.Fatalf("event kinds = %s, want %s", got, want)
	}

	first := events[2].ToolCall
	if first.Index != 1 || first.ID != "call_1" || first.Name != "read_file" {
		t.Errorf("first call start = %+v", first)
	}
	var args strings.Builder
	for _, ev := range events[2:5] {
		if ev.ToolCall.Index != 1 {
			t.Errorf("fragment slotted at %d, want 1", ev.ToolCall.Index)
		}
		args.WriteString(ev.ToolCall.ArgsFragment)
	}
	if args.String() != `{"path":"a.go"}` {
		t.Errorf("args = %q", args.String())
	}
	if second := events[5].ToolCall; second.Index != 2 || second.ID != "call_2" || second.ArgsFragment != "{}" {
		t.Errorf("second call = %+v", second)
	}
	if u := events[6].Usage; u.InputTokens != 21 || u.OutputTokens != 8 {
		t.Errorf("usage = %+v", u)
	}
}

func TestOpenAIClient_StreamFailures(t *testing.T) {
	tests := []struct {
		name   string
		frames []string
		want   string
	}{
		{
			name: "response failed",
			frames: []string{
				responsesFrame(`{"type":"response.output_text.delta","sequence_number":0,"output_index":0,"delta":"par"}`),
				responsesFrame(`{"type":"response.failed","sequence_number":1,"response":{"id":"resp_1","status":"failed","error":{"code":"server_error","message":"model overloaded"}}}`),
			},
			want: "model overloaded",
		},
		{
			name: "truncated stream",
			frames: []string{
				responsesFrame(`{"type":"response.output_text.delta","sequence_number":0,"output_index":0,"delta":"par"}`),
			},
			want: "ended before completion",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := sseServer(t, http.StatusOK, tt.frames...)
			c := NewOpenAI("openai", srv.URL+"/", "key", "gpt-test")
			ch, err := c.StreamCompletion(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
			if err != nil {
				t.Fatal(err)
			}
			events := collect(t, ch)
			if got := kinds(events); got != "text_delta,error" {
				t.Fatalf("event kinds = %s", got)
			}
			var pe *ProviderError
			err = events[1].Err
			if !errors.As(err, &pe) || !pe.Retryable {
				t.Fatalf("err = %v, want a retryable ProviderError", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestOpenAIClient_StatusErrors(t *testing.T) {
	for _, status := range []int{http.StatusServiceUnavailable, http.StatusUnauthorized} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			srv := sseServer(t, status)
			c := NewOpenAI("openai", srv.URL+"/", "key", "gpt-test")
			_, err := c.StreamCompletion(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
			var pe *ProviderError
			if !errors.As(err, &pe) {
				t.Fatalf("err = %v, want *ProviderError", err)
			}
			if pe.StatusCode != status || pe.Retryable != (status >= 500) {
				t.Errorf("error = %+v", pe)
			}
		})
	}
}
