package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
)

// fakeBackend replays canned any-llm responses and records the params it
// was called with.
type fakeBackend struct {
	completion *anyllmlib.ChatCompletion
	chunks     []anyllmlib.ChatCompletionChunk
	err        error

	mu       sync.Mutex
	params   []anyllmlib.CompletionParams
	streamed bool
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Completion(_ context.Context, p anyllmlib.CompletionParams) (*anyllmlib.ChatCompletion, error) {
	f.mu.Lock()
	f.params = append(f.params, p)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.completion, nil
}

func (f *fakeBackend) CompletionStream(_ context.Context, p anyllmlib.CompletionParams) (<-chan anyllmlib.ChatCompletionChunk, <-chan error) {
	f.mu.Lock()
	f.params = append(f.params, p)
	f.streamed = true
	f.mu.Unlock()

	chunks := make(chan anyllmlib.ChatCompletionChunk, len(f.chunks))
	errs := make(chan error, 1)
	for _, c := range f.chunks {
		chunks <- c
	}
	close(chunks)
	if f.err != nil {
		errs <- f.err
	}
	close(errs)
	return chunks, errs
}

func chunk(content string, calls []anyllmlib.ToolCall, finish string) anyllmlib.ChatCompletionChunk {
	return anyllmlib.ChatCompletionChunk{Choices: []anyllmlib.ChunkChoice{{
		Delta:        anyllmlib.ChunkDelta{Content: content, ToolCalls: calls},
		FinishReason: finish,
	}}}
}

func call(id, name, args string) anyllmlib.ToolCall {
	return anyllmlib.ToolCall{ID: id, Type: "function", Function: anyllmlib.FunctionCall{Name: name, Arguments: args}}
}

func kinds(events []Event) string {
	out := make([]string, len(events))
	for i, ev := range events {
		out[i] = ev.Kind.String()
	}
	return strings.Join(out, ",")
}

func TestAnyLLMClient_StreamSlotsCallsByID(t *testing.T) {
	backend := &fakeBackend{chunks: []anyllmlib.ChatCompletionChunk{
		chunk("Checking.", nil, ""),
		chunk("", []anyllmlib.ToolCall{call("a", "read_file", `{"pa`)}, ""),
		chunk("", []anyllmlib.ToolCall{call("", "", `th":"x"}`)}, ""),
		chunk("", []anyllmlib.ToolCall{call("b", "grep", `{}`)}, ""),
		chunk("", nil, "tool_calls"),
	}}
	c := &AnyLLMClient{backend: backend, name: "gemini", model: "flash"}

	ch, err := c.StreamCompletion(context.Background(), Request{
		SystemPrompt: "be brief",
		Messages:     []Message{{Role: RoleUser, Content: "look"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	if got, want := kinds(events), "text_delta,tool_call_delta,tool_call_delta,tool_call_delta,done"; got != want {
		t.Fatalf("event kinds = %s, want %s", got, want)
	}
	slots := []int{events[1].ToolCall.Index, events[2].ToolCall.Index, events[3].ToolCall.Index}
	if slots[0] != 0 || slots[1] != 0 || slots[2] != 1 {
		t.Errorf("slots = %v, want [0 0 1]", slots)
	}
	if events[3].ToolCall.ID != "b" || events[3].ToolCall.Name != "grep" {
		t.Errorf("second call = %+v", events[3].ToolCall)
	}

	p := backend.params[0]
	if p.Model != "flash" {
		t.Errorf("model = %q, want the client default", p.Model)
	}
	if len(p.Messages) != 2 || p.Messages[0].Role != anyllmlib.RoleSystem || p.Messages[0].Content != "be brief" {
		t.Errorf("messages = %+v", p.Messages)
	}
}

func TestAnyLLMClient_StreamFailures(t *testing.T) {
	tests := []struct {
		name    string
		backend *fakeBackend
	}{
		{"backend error", &fakeBackend{chunks: []anyllmlib.ChatCompletionChunk{chunk("par", nil, "")}, err: errors.New("connection reset")}},
		{"no finish reason", &fakeBackend{chunks: []anyllmlib.ChatCompletionChunk{chunk("par", nil, "")}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &AnyLLMClient{backend: tt.backend, name: "mistral"}
			ch, err := c.StreamCompletion(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
			if err != nil {
				t.Fatal(err)
			}
			events := collect(t, ch)
			last := events[len(events)-1]
			if last.Kind != EventError {
				t.Fatalf("event kinds = %s, want a trailing error", kinds(events))
			}
			var pe *ProviderError
			if !errors.As(last.Err, &pe) || pe.Provider != "mistral" {
				t.Errorf("err = %v, want a mistral ProviderError", last.Err)
			}
		})
	}
}

func TestAnyLLMClient_SingleShotSynthesizesStream(t *testing.T) {
	backend := &fakeBackend{completion: &anyllmlib.ChatCompletion{
		Choices: []anyllmlib.Choice{{Message: anyllmlib.Message{
			Role:    anyllmlib.RoleAssistant,
			Content: "Reading both.",
			ToolCalls: []anyllmlib.ToolCall{
				call("", "read_file", `{"path":"a.go"}`),
				call("", "read_file", `{"path":"b.go"}`),
			},
		}, FinishReason: "tool_calls"}},
		Usage: &anyllmlib.Usage{PromptTokens: 30, CompletionTokens: 9},
	}}
	c := &AnyLLMClient{backend: backend, name: "ollama", model: "llama3", singleShot: true}

	ch, err := c.StreamCompletion(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "read a and b"}},
		Tools:    []ToolDefinition{{Name: "read_file", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatal(err)
	}
	events := collect(t, ch)

	if backend.streamed {
		t.Error("single-shot request used the streaming endpoint")
	}
	if got, want := kinds(events), "text_delta,tool_call_delta,tool_call_delta,usage,done"; got != want {
		t.Fatalf("event kinds = %s, want %s", got, want)
	}
	for i, ev := range events[1:3] {
		want := []string{"ollama_tool_0", "ollama_tool_1"}[i]
		if ev.ToolCall.ID != want || ev.ToolCall.Index != i {
			t.Errorf("call %d = %+v, want id %s", i, ev.ToolCall, want)
		}
	}
	if events[2].ToolCall.ArgsFragment != `{"path":"b.go"}` {
		t.Errorf("args = %q", events[2].ToolCall.ArgsFragment)
	}
	if u := events[3].Usage; u.InputTokens != 30 || u.OutputTokens != 9 {
		t.Errorf("usage = %+v", u)
	}
	if tools := backend.params[0].Tools; len(tools) != 1 || tools[0].Function.Name != "read_file" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestAnyLLMClient_SingleShotOnlyWithTools(t *testing.T) {
	backend := &fakeBackend{chunks: []anyllmlib.ChatCompletionChunk{chunk("hi", nil, "stop")}}
	c := &AnyLLMClient{backend: backend, name: "ollama", singleShot: true}

	ch, err := c.StreamCompletion(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}})
	if err != nil {
		t.Fatal(err)
	}
	if got := kinds(collect(t, ch)); got != "text_delta,done" {
		t.Errorf("event kinds = %s", got)
	}
	if !backend.streamed {
		t.Error("request without tools should stream")
	}
}

func TestAnyLLMClient_SingleShotError(t *testing.T) {
	c := &AnyLLMClient{backend: &fakeBackend{err: errors.New("refused")}, name: "ollama", singleShot: true}
	_, err := c.StreamCompletion(context.Background(), Request{
		Messages: []Message{{Role: RoleUser, Content: "hi"}},
		Tools:    []ToolDefinition{{Name: "x"}},
	})
	var pe *ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *ProviderError", err)
	}
}
