package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"quill/internal/agent"
	"quill/internal/db"
	"quill/internal/history"
	"quill/internal/llm"
	"quill/internal/llm/mock"
	"quill/internal/router"
)

type sseEvent struct {
	name string
	data json.RawMessage
}

type countingTool struct{ calls atomic.Int32 }

func (c *countingTool) Name() string        { return "write_file" }
func (c *countingTool) Description() string { return "write a file" }
func (c *countingTool) InputSchema() any    { return map[string]any{"type": "object"} }
func (c *countingTool) Execute(context.Context, string) (string, error) {
	c.calls.Add(1)
	return "wrote a.txt", nil
}

type clients map[string]llm.Client

func (c clients) Client(id string) (llm.Client, error) {
	if cl, ok := c[id]; ok {
		return cl, nil
	}
	return nil, fmt.Errorf("unknown provider %q", id)
}

type fixture struct {
	srv   *httptest.Server
	tool  *countingTool
	store *history.Store
}

func newFixture(t *testing.T, client llm.Client, opts ...Option) *fixture {
	t.Helper()
	d, err := db.Open(filepath.Join(t.TempDir(), "gw.db"), db.Options{})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { d.Close() })
	if err := d.Migrate(); err != nil {
		t.Fatal(err)
	}
	store := history.NewStore(d)

	tool := &countingTool{}
	reg := agent.NewRegistry()
	reg.Register(tool)
	rt, err := router.New(map[router.Role]router.Route{router.RoleCoder: {Provider: "m"}}, router.RoleCoder)
	if err != nil {
		t.Fatal(err)
	}
	f := agent.NewFactory(rt, clients{"m": client}, reg, agent.DefaultProfiles())

	srv := httptest.NewServer(NewServer(f, store, opts...).Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, tool: tool, store: store}
}

// stream posts body to path and delivers SSE events until the response ends.
func (fx *fixture) stream(t *testing.T, path, body string) <-chan sseEvent {
	t.Helper()
	resp, err := http.Post(fx.srv.URL+path, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		t.Fatalf("POST %s: status %d", path, resp.StatusCode)
	}
	out := make(chan sseEvent, 64)
	go func() {
		defer resp.Body.Close()
		defer close(out)
		sc := bufio.NewScanner(resp.Body)
		var ev sseEvent
		for sc.Scan() {
			line := sc.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				ev.name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				ev.data = json.RawMessage(strings.TrimPrefix(line, "data: "))
			case line == "" && ev.name != "":
				out <- ev
				ev = sseEvent{}
			}
		}
	}()
	return out
}

func (fx *fixture) do(t *testing.T, method, path, body string) int {
	t.Helper()
	req, _ := http.NewRequest(method, fx.srv.URL+path, strings.NewReader(body))
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	return resp.StatusCode
}

func writeThenAnswer() *mock.Client {
	return mock.New(mock.Call("c1", "write_file", `{"path":"a.txt"}`), mock.Reply("all done"))
}

func TestChat_ApprovalFlow(t *testing.T) {
	fx := newFixture(t, writeThenAnswer())
	events := fx.stream(t, "/v1/chat", `{"session_id":"s1","message":"write a.txt","role":"coder"}`)

	var runID string
	var names []string
	var final agent.Result
	for ev := range events {
		names = append(names, ev.name)
		switch ev.name {
		case "run_started":
			var rs runStarted
			json.Unmarshal(ev.data, &rs)
			runID = rs.RunID
		case "approval_requested":
			var ae approvalEvent
			json.Unmarshal(ev.data, &ae)
			if !ae.NeedsApproval || ae.Risk != "MODERATE" || ae.CallID != "c1" {
				t.Errorf("approval event = %+v", ae)
			}
			if code := fx.do(t, "POST", "/v1/runs/"+runID+"/approvals/other", `{"decision":"allow"}`); code != http.StatusNotFound {
				t.Errorf("unknown call: status %d", code)
			}
			if code := fx.do(t, "POST", "/v1/runs/"+runID+"/approvals/c1", `{"decision":"allow"}`); code != http.StatusOK {
				t.Errorf("approve: status %d", code)
			}
		case "done":
			json.Unmarshal(ev.data, &final)
		}
	}

	if fx.tool.calls.Load() != 1 {
		t.Errorf("tool executed %d times", fx.tool.calls.Load())
	}
	if final.Message.Content != "all done" || final.RunID != runID {
		t.Errorf("final = %+v (events %v)", final, names)
	}

	sess, err := fx.store.Session(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sess.Messages) != 4 {
		t.Errorf("stored %d messages, want user, assistant call, tool reply, answer", len(sess.Messages))
	}
	if code := fx.do(t, "GET", "/v1/sessions/s1", ""); code != http.StatusOK {
		t.Errorf("GET session: %d", code)
	}
	if code := fx.do(t, "GET", "/v1/sessions/missing", ""); code != http.StatusNotFound {
		t.Errorf("GET missing session: %d", code)
	}
}

func TestChat_DenyNeverExecutes(t *testing.T) {
	fx := newFixture(t, writeThenAnswer())
	events := fx.stream(t, "/v1/chat", `{"message":"write a.txt","role":"coder"}`)

	var runID string
	var result agent.ToolResult
	for ev := range events {
		switch ev.name {
		case "run_started":
			var rs runStarted
			json.Unmarshal(ev.data, &rs)
			runID = rs.RunID
		case "approval_requested":
			fx.do(t, "POST", "/v1/runs/"+runID+"/approvals/c1", `{"decision":"deny","reason":"not now"}`)
		case "tool_result":
			var e agent.Event
			json.Unmarshal(ev.data, &e)
			result = *e.Result
		}
	}
	if fx.tool.calls.Load() != 0 {
		t.Error("denied tool executed")
	}
	if result.Outcome != agent.OutcomeDenied || !strings.Contains(result.Content, "not now") {
		t.Errorf("result = %+v", result)
	}
}

func TestChat_CancelWhileAwaitingApproval(t *testing.T) {
	fx := newFixture(t, writeThenAnswer())
	events := fx.stream(t, "/v1/chat", `{"message":"write a.txt","role":"coder"}`)

	var runID string
	var last agent.Event
	for ev := range events {
		switch ev.name {
		case "run_started":
			var rs runStarted
			json.Unmarshal(ev.data, &rs)
			runID = rs.RunID
		case "approval_requested":
			if code := fx.do(t, "DELETE", "/v1/runs/"+runID, ""); code != http.StatusAccepted {
				t.Errorf("cancel: status %d", code)
			}
		case "error":
			json.Unmarshal(ev.data, &last)
		case "done":
			t.Error("cancelled run reported done")
		}
	}
	if last.ErrorKind != agent.KindCancelled {
		t.Errorf("terminal event = %+v", last)
	}
	if fx.tool.calls.Load() != 0 {
		t.Error("tool ran after cancellation")
	}
	if code := fx.do(t, "DELETE", "/v1/runs/"+runID, ""); code != http.StatusNotFound {
		t.Errorf("finished run still cancellable: %d", code)
	}
}

func TestPipeline_SinglePass(t *testing.T) {
	fx := newFixture(t, mock.New(mock.Reply("patched")), WithApproval(agent.ModeAuto))
	var done bool
	for ev := range fx.stream(t, "/v1/pipeline", `{"request":"fix the bug","single_pass":true}`) {
		if ev.name == "done" {
			done = true
			if !strings.Contains(string(ev.data), `"final_output":"patched"`) {
				t.Errorf("done payload = %s", ev.data)
			}
		}
	}
	if !done {
		t.Error("pipeline never finished")
	}
}

func TestAuth(t *testing.T) {
	fx := newFixture(t, mock.New(), WithToken("secret"))

	if code := fx.do(t, "GET", "/healthz", ""); code != http.StatusOK {
		t.Errorf("healthz: %d", code)
	}
	if code := fx.do(t, "GET", "/v1/runs", ""); code != http.StatusUnauthorized {
		t.Errorf("no token: %d", code)
	}
	req, _ := http.NewRequest("GET", fx.srv.URL+"/v1/runs", nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with token: %d", resp.StatusCode)
	}
}

func TestForward_SlotsOnlyForPromptedCalls(t *testing.T) {
	reg := agent.NewRegistry()
	reg.Register(&countingTool{})
	rt, err := router.New(map[router.Role]router.Route{router.RoleCoder: {Provider: "m"}}, router.RoleCoder)
	if err != nil {
		t.Fatal(err)
	}
	f := agent.NewFactory(rt, clients{"m": mock.New()}, reg, agent.DefaultProfiles())

	tests := []struct {
		name    string
		allow   []string
		wantErr error
	}{
		{"allow-listed call", []string{"write_file"}, ErrUnknownCall},
		{"prompted call", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(f, nil, WithApproval(agent.ModeAlwaysAsk, tt.allow...))
			run, _, ok := s.begin(context.Background(), "", "chat")
			if !ok {
				t.Fatal("begin refused the run")
			}
			defer s.end(run)

			req := agent.ToolCallRequest{ID: "ollama_tool_0", Name: "write_file", RawArgs: `{"path":"a.txt"}`}
			rec := httptest.NewRecorder()
			s.forward(NewSSEWriter(rec), run, agent.Event{Type: agent.EventApproval, CallID: req.ID, Name: req.Name, Request: &req})

			if err := run.approvals.Resolve(req.ID, agent.Allow()); !errors.Is(err, tt.wantErr) {
				t.Errorf("Resolve err = %v, want %v", err, tt.wantErr)
			}
			if !strings.Contains(rec.Body.String(), "approval_requested") {
				t.Errorf("event not forwarded: %q", rec.Body.String())
			}
		})
	}
}

func TestApproval_UnknownRun(t *testing.T) {
	fx := newFixture(t, mock.New())
	if code := fx.do(t, "POST", "/v1/runs/nope/approvals/c1", `{"decision":"allow"}`); code != http.StatusNotFound {
		t.Errorf("status %d", code)
	}
	if code := fx.do(t, "POST", "/v1/chat", `{"message":""}`); code != http.StatusBadRequest {
		t.Errorf("empty message: status %d", code)
	}
}

type recordingCompactor struct{ sessions chan string }

func (r *recordingCompactor) MaybeCompact(_ context.Context, sessionID string) (bool, error) {
	r.sessions <- sessionID
	return false, nil
}

func TestChat_CompactsAfterRun(t *testing.T) {
	rc := &recordingCompactor{sessions: make(chan string, 1)}
	fx := newFixture(t, mock.New(mock.Reply("hi")), WithCompactor(rc))

	for range fx.stream(t, "/v1/chat", `{"session_id":"s9","message":"hello","role":"coder"}`) {
	}
	select {
	case sid := <-rc.sessions:
		if sid != "s9" {
			t.Errorf("compacted session %q", sid)
		}
	default:
		t.Error("compactor not called after the run")
	}
}
