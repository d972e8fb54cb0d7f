package tools

import (
	"context"
	"fmt"

	"quill/internal/agent"
	"quill/internal/router"
)

const maxDelegationDepth = 3

type depthKey struct{}

func delegationDepth(ctx context.Context) int {
	d, _ := ctx.Value(depthKey{}).(int)
	return d
}

// Delegate runs a task on a fresh agent for another role and returns its
// final answer. The sub-agent's events are not forwarded.
type Delegate struct {
	factory *agent.Factory
}

func NewDelegate(factory *agent.Factory) *Delegate {
	return &Delegate{factory: factory}
}

func (d *Delegate) Name() string        { return "delegate" }
func (d *Delegate) Description() string { return "Delegate a task to a specialized sub-agent" }

func (d *Delegate) InputSchema() any {
	roles := d.factory.Roles()
	enum := make([]any, len(roles))
	for i, r := range roles {
		enum[i] = string(r)
	}
	return object([]string{"agent", "task"}, map[string]any{
		"agent": map[string]any{
			"type":        "string",
			"description": "Role of the agent to delegate to",
			"enum":        enum,
		},
		"task": prop("string", "The task description for the sub-agent"),
	})
}

func (d *Delegate) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Agent string `json:"agent"`
		Task  string `json:"task"`
	}
	if err := decode("delegate", input, &args); err != nil {
		return "", err
	}

	depth := delegationDepth(ctx)
	if depth >= maxDelegationDepth {
		return "", fmt.Errorf("maximum delegation depth (%d) exceeded", maxDelegationDepth)
	}

	loop, err := d.factory.Build(router.Role(args.Agent))
	if err != nil {
		return "", fmt.Errorf("building sub-agent: %w", err)
	}
	subCtx := agent.ContextWithRunID(context.WithValue(ctx, depthKey{}, depth+1), "")
	res, err := loop.Run(subCtx, args.Task, nil)
	if err != nil {
		return "", fmt.Errorf("sub-agent %s failed: %w", args.Agent, err)
	}
	if res.Message.Content == "" {
		return "(sub-agent produced no output)", nil
	}
	return res.Message.Content, nil
}
