package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"quill/internal/agent"
)

func TestTerminalPrompter_RepromptsOnUnknownAnswer(t *testing.T) {
	var out bytes.Buffer
	p := NewTerminalPrompter(strings.NewReader("maybe\nA\n"), &out)

	d, err := p.Prompt(context.Background(), agent.ToolCallRequest{Name: "bash"}, "approve? ")
	if err != nil {
		t.Fatal(err)
	}
	if d.Kind != agent.DecisionAllowAll || d.Scope != agent.ScopeGlobal {
		t.Errorf("decision = %v", d)
	}
	if !strings.Contains(out.String(), `unknown decision "maybe"`) {
		t.Errorf("output = %q", out.String())
	}
}

func TestTerminalPrompter_EOFWithoutAnswerFails(t *testing.T) {
	p := NewTerminalPrompter(strings.NewReader(""), io.Discard)
	if _, err := p.Prompt(context.Background(), agent.ToolCallRequest{Name: "bash"}, ""); err == nil {
		t.Fatal("expected an error on closed input")
	}
}

func TestTerminalPrompter_Cancelled(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := NewTerminalPrompter(r, io.Discard)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Prompt(ctx, agent.ToolCallRequest{Name: "bash"}, ""); err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestTerminalPrompter_AnswerAfterCancelledPrompt(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	p := NewTerminalPrompter(r, io.Discard)
	req := agent.ToolCallRequest{Name: "bash"}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := p.Prompt(ctx, req, ""); err != context.DeadlineExceeded {
		t.Fatalf("first prompt err = %v, want deadline exceeded", err)
	}

	go io.WriteString(w, "y\n")
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	d, err := p.Prompt(ctx2, req, "")
	if err != nil {
		t.Fatalf("second prompt: %v", err)
	}
	if d.Kind != agent.DecisionAllow {
		t.Errorf("decision = %v, want allow", d)
	}
}

func TestTerminalPrompter_PromptsAfterEOFFail(t *testing.T) {
	p := NewTerminalPrompter(strings.NewReader("y"), io.Discard)
	req := agent.ToolCallRequest{Name: "bash"}

	d, err := p.Prompt(context.Background(), req, "")
	if err != nil || d.Kind != agent.DecisionAllow {
		t.Fatalf("first prompt = %v, %v", d, err)
	}
	if _, err := p.Prompt(context.Background(), req, ""); !errors.Is(err, io.EOF) {
		t.Errorf("second prompt err = %v, want EOF", err)
	}
}

func TestPrinter_StreamsTextAndTools(t *testing.T) {
	var out, status bytes.Buffer
	p := &Printer{Out: &out, Status: &status}

	p.Print(agent.Event{Type: agent.EventTextDelta, Text: "hel"})
	p.Print(agent.Event{Type: agent.EventTextDelta, Text: "lo"})
	p.Print(agent.Event{Type: agent.EventToolResult, Result: &agent.ToolResult{Name: "bash", Outcome: agent.OutcomeDenied}})

	if out.String() != "hello" {
		t.Errorf("out = %q", out.String())
	}
	if !strings.Contains(status.String(), "[denied] bash") {
		t.Errorf("status = %q", status.String())
	}
}
