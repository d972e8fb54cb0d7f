package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"quill/internal/llm"
	"quill/internal/llm/mock"
	"quill/internal/router"
)

type clientMap map[string]llm.Client

func (m clientMap) Client(id string) (llm.Client, error) {
	c, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", id)
	}
	return c, nil
}

func TestFactory_BuildUsesRouteAndScope(t *testing.T) {
	rt, err := router.New(map[router.Role]router.Route{
		router.RolePlanner: {Provider: "local", Model: "llama3.2:3b"},
		router.RoleCoder:   {Provider: "cloud", Model: "gpt-4o"},
	}, router.RoleCoder)
	if err != nil {
		t.Fatal(err)
	}
	local := mock.New(mock.Reply("plan"))
	cloud := mock.New(mock.Reply("review"))
	tools := registryWith(&fakeTool{name: "read_file"}, &fakeTool{name: "write_file"}, &fakeTool{name: "list_files"})

	f := NewFactory(rt, clientMap{"local": local, "cloud": cloud}, tools, DefaultProfiles())

	planner, err := f.Build(router.RolePlanner)
	if err != nil {
		t.Fatalf("Build(planner): %v", err)
	}
	if _, err := planner.Run(context.Background(), "plan it", nil); err != nil {
		t.Fatal(err)
	}
	req := local.Calls()[0]
	if req.Model != "llama3.2:3b" || req.SystemPrompt != plannerPrompt {
		t.Errorf("planner request model=%q prompt set=%v", req.Model, req.SystemPrompt == plannerPrompt)
	}
	for _, def := range req.Tools {
		if def.Name == "write_file" {
			t.Error("planner was offered write_file")
		}
	}

	reviewer, err := f.Build(router.RoleReviewer)
	if err != nil {
		t.Fatalf("Build(reviewer): %v", err)
	}
	if _, err := reviewer.Run(context.Background(), "review it", nil); err != nil {
		t.Fatal(err)
	}
	if got := cloud.Calls()[0].Model; got != "gpt-4o" {
		t.Errorf("reviewer fell back to model %q, want coder's gpt-4o", got)
	}
	if reviewer.Name() != "reviewer" {
		t.Errorf("name = %q", reviewer.Name())
	}
}

func TestFactory_ConfigurationErrors(t *testing.T) {
	rt, _ := router.New(map[router.Role]router.Route{router.RoleCoder: {Provider: "missing"}}, router.RoleCoder)
	f := NewFactory(rt, clientMap{}, NewRegistry(), map[router.Role]*AgentProfile{
		router.RoleCoder: {Role: router.RoleCoder},
	})

	var ce *ConfigurationError
	if _, err := f.Build(router.RoleCoder); !errors.As(err, &ce) {
		t.Errorf("unknown provider: err = %v", err)
	}
	if _, err := f.Build(router.RolePlanner); !errors.As(err, &ce) {
		t.Errorf("missing profile: err = %v", err)
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	p := RetryPolicy{BaseDelay: 500 * time.Millisecond, MaxDelay: 8 * time.Second, Multiplier: 2}
	want := []time.Duration{500 * time.Millisecond, time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for attempt, w := range want {
		if got := p.Delay(attempt); got != w {
			t.Errorf("Delay(%d) = %v, want %v", attempt, got, w)
		}
	}

	p.Jitter = true
	for i := 0; i < 100; i++ {
		d := p.Delay(1)
		if d < 500*time.Millisecond || d >= 1500*time.Millisecond {
			t.Fatalf("jittered Delay(1) = %v out of [0.5s, 1.5s)", d)
		}
	}
}

func TestRegistry_ScopeAndDefinitions(t *testing.T) {
	r := registryWith(&fakeTool{name: "zeta"}, &fakeTool{name: "alpha"}, &fakeTool{name: "mid"})

	defs := r.Definitions()
	if len(defs) != 3 || defs[0].Name != "alpha" || defs[2].Name != "zeta" {
		t.Errorf("definitions not sorted: %+v", defs)
	}

	scoped := r.Scope([]string{"mid", "ghost"})
	if scoped.Len() != 1 {
		t.Errorf("scoped len = %d", scoped.Len())
	}
	if _, ok := scoped.Get("alpha"); ok {
		t.Error("scope leaked alpha")
	}
	if r.Scope(nil) != r {
		t.Error("empty scope should keep the full registry")
	}
}

type classifiedTool struct{ fakeTool }

func (c *classifiedTool) Permission(map[string]any) Permission { return PermDestructive }

func TestRegistry_PermissionPrefersClassifier(t *testing.T) {
	r := registryWith(&classifiedTool{fakeTool{name: "read_file"}})
	if got := r.Permission(ToolCallRequest{Name: "read_file"}); got != PermDestructive {
		t.Errorf("Permission = %v", got)
	}
	if got := r.Permission(ToolCallRequest{Name: "write_file"}); got != PermWrite {
		t.Errorf("fallback Permission = %v", got)
	}
}
