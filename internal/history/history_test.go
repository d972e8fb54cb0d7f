package history

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"quill/internal/agent"
	"quill/internal/db"
	"quill/internal/llm"
	"quill/internal/llm/mock"
	"quill/internal/router"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "quill.db"), db.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.Migrate(); err != nil {
		t.Fatal(err)
	}
	return NewStore(d)
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	in := []llm.Message{
		{Role: llm.RoleUser, Content: "list files"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "list_files", Arguments: `{"path":"."}`}}},
		{Role: llm.RoleTool, ToolCallID: "c1", Name: "list_files", Content: "a.go"},
	}
	if err := s.Append(ctx, "s1", in[:2]...); err != nil {
		t.Fatal(err)
	}
	if err := s.Append(ctx, "s1", in[2]); err != nil {
		t.Fatal(err)
	}
	s.Append(ctx, "other", llm.Message{Role: llm.RoleUser, Content: "unrelated"})

	got, err := s.Messages(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d messages", len(got))
	}
	if got[1].ToolCalls[0] != in[1].ToolCalls[0] {
		t.Errorf("tool call = %+v", got[1].ToolCalls)
	}
	if got[2].ToolCallID != "c1" || got[2].Name != "list_files" || got[2].Content != "a.go" {
		t.Errorf("tool reply = %+v", got[2])
	}
	if err := agent.CheckToolReplies(got); err != nil {
		t.Errorf("stored conversation broke the reply invariant: %v", err)
	}
}

func TestStore_Session(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)

	if _, err := s.Session(ctx, "nope"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("missing session err = %v", err)
	}
	s.EnsureSession(ctx, "s1", "http")
	s.Append(ctx, "s1", llm.Message{Role: llm.RoleUser, Content: "hi"})

	sess, err := s.Session(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Channel != "http" || len(sess.Messages) != 1 {
		t.Errorf("session = %+v", sess)
	}

	if err := s.DeleteSession(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if msgs, _ := s.Messages(ctx, "s1"); len(msgs) != 0 {
		t.Errorf("messages survived session delete: %v", msgs)
	}
}

func TestConversation_LoopPersistsAcrossRuns(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	client := mock.New(mock.Reply("first"), mock.Reply("second"))

	for _, prompt := range []string{"one", "two"} {
		loop := agent.NewLoop(client, agent.NewRegistry(), agent.WithConversation(s.Conversation("chat")))
		if _, err := loop.Run(ctx, prompt, nil); err != nil {
			t.Fatal(err)
		}
	}

	second := client.Calls()[1].Messages
	if len(second) != 3 || second[0].Content != "one" || second[1].Content != "first" || second[2].Content != "two" {
		t.Errorf("second request history = %+v", second)
	}
	msgs, _ := s.Messages(ctx, "chat")
	if len(msgs) != 4 {
		t.Errorf("stored %d messages, want 4", len(msgs))
	}
}

func TestStore_UndecodableToolCallsDropTheirReplies(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	s.EnsureSession(ctx, "s1", "cli")
	s.Append(ctx, "s1", llm.Message{Role: llm.RoleUser, Content: "look around"})

	for _, p := range []db.InsertMessageParams{
		{SessionID: "s1", Seq: 2, Role: "assistant", Content: "Checking.", ToolCalls: `[{"id":"c1",`},
		{SessionID: "s1", Seq: 3, Role: "tool", ToolCallID: "c1", Name: "list_files", Content: "a.go"},
		{SessionID: "s1", Seq: 4, Role: "assistant", ToolCalls: `not json`},
		{SessionID: "s1", Seq: 5, Role: "tool", ToolCallID: "c2", Name: "grep", Content: "none"},
	} {
		if err := s.q.InsertMessage(ctx, p); err != nil {
			t.Fatal(err)
		}
	}
	s.Append(ctx, "s1", llm.Message{Role: llm.RoleAssistant, Content: "Nothing found."})

	msgs, err := s.Messages(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if err := agent.CheckToolReplies(msgs); err != nil {
		t.Fatalf("corrupt row broke the reply invariant: %v", err)
	}
	if len(msgs) != 3 || msgs[1].Content != "Checking." || len(msgs[1].ToolCalls) != 0 || msgs[2].Content != "Nothing found." {
		t.Errorf("messages = %+v", msgs)
	}

	client := mock.New(mock.Reply("still here"))
	loop := agent.NewLoop(client, agent.NewRegistry(), agent.WithConversation(s.Conversation("s1")))
	if _, err := loop.Run(ctx, "try again", nil); err != nil {
		t.Fatalf("run on a session with a corrupt row: %v", err)
	}
}

func compactionTranscript() []llm.Message {
	return []llm.Message{
		{Role: llm.RoleUser, Content: "one"},
		{Role: llm.RoleAssistant, Content: "first"},
		{Role: llm.RoleUser, Content: "two"},
		{Role: llm.RoleAssistant, ToolCalls: []llm.ToolCall{{ID: "c1", Name: "read_file", Arguments: `{"path":"a.go"}`}}},
		{Role: llm.RoleTool, ToolCallID: "c1", Name: "read_file", Content: "package a"},
		{Role: llm.RoleAssistant, Content: "done two"},
		{Role: llm.RoleUser, Content: "three"},
		{Role: llm.RoleAssistant, Content: "third"},
	}
}

func TestCompactor_SummarizesOlderMessages(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	if err := s.Append(ctx, "s1", compactionTranscript()...); err != nil {
		t.Fatal(err)
	}

	client := mock.New(mock.Reply("user asked one and two; read a.go"))
	c := NewCompactor(s, client, router.Route{Model: "small"}, CompactionConfig{Threshold: 6, KeepRecent: 2})

	done, err := c.MaybeCompact(ctx, "s1")
	if err != nil || !done {
		t.Fatalf("MaybeCompact = %v, %v", done, err)
	}

	req := client.Calls()[0]
	if req.Model != "small" || req.SystemPrompt != summarizePrompt {
		t.Errorf("request model=%q", req.Model)
	}
	for _, want := range []string{"User: one", "Assistant called read_file", "Tool read_file returned: package a", "Assistant: done two"} {
		if !strings.Contains(req.Messages[0].Content, want) {
			t.Errorf("summary input missing %q", want)
		}
	}
	if strings.Contains(req.Messages[0].Content, "three") {
		t.Error("kept messages were summarized")
	}

	got, err := s.Context(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].Role != llm.RoleSystem || got[1].Content != "three" {
		t.Fatalf("context = %+v", got)
	}
	if !strings.HasSuffix(got[0].Content, "read a.go") {
		t.Errorf("summary message = %q", got[0].Content)
	}

	if all, _ := s.Messages(ctx, "s1"); len(all) != 8 {
		t.Errorf("transcript has %d messages, want all 8 kept", len(all))
	}
	if sess, _ := s.Session(ctx, "s1"); sess.Summary == "" {
		t.Error("session summary not exposed")
	}

	if again, err := c.MaybeCompact(ctx, "s1"); err != nil || again {
		t.Errorf("second MaybeCompact = %v, %v; want below threshold", again, err)
	}
}

func TestCutPoint_NeverSplitsToolReplies(t *testing.T) {
	msgs := compactionTranscript()
	tests := []struct {
		keep int
		want int
	}{
		{keep: 2, want: 6},
		{keep: 4, want: 2},
		{keep: 3, want: 2},
		{keep: 0, want: 6},
		{keep: 8, want: 0},
	}
	for _, tt := range tests {
		if got := cutPoint(msgs, tt.keep); got != tt.want {
			t.Errorf("cutPoint(keep=%d) = %d, want %d", tt.keep, got, tt.want)
		}
	}
}

func TestCompactor_FailureKeepsHistory(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	s.Append(ctx, "s1", compactionTranscript()...)

	client := mock.New(mock.Response{Err: &llm.ProviderError{Provider: "mock", StatusCode: 500, Err: errors.New("boom")}})
	c := NewCompactor(s, client, router.Route{}, CompactionConfig{Threshold: 2, KeepRecent: 2})

	if _, err := c.MaybeCompact(ctx, "s1"); err == nil {
		t.Fatal("expected the provider error")
	}
	got, _ := s.Context(ctx, "s1")
	if len(got) != 8 {
		t.Errorf("context has %d messages after failed compaction", len(got))
	}
}
