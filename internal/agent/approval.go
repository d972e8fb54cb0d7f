package agent

import (
	"context"
	"fmt"
	"strings"
)

type DecisionKind string

const (
	DecisionAllow    DecisionKind = "allow"
	DecisionAllowAll DecisionKind = "allow_all"
	DecisionDeny     DecisionKind = "deny"
	DecisionSkip     DecisionKind = "skip"
)

// Scope bounds an AllowAll decision.
type Scope string

const (
	ScopeTool   Scope = "tool"
	ScopeGlobal Scope = "global"
)

type Decision struct {
	Kind   DecisionKind `json:"kind"`
	Scope  Scope        `json:"scope,omitempty"`
	Reason string       `json:"reason,omitempty"`
}

func Allow() Decision { return Decision{Kind: DecisionAllow} }

func AllowAll(scope Scope) Decision { return Decision{Kind: DecisionAllowAll, Scope: scope} }

func Deny(reason string) Decision { return Decision{Kind: DecisionDeny, Reason: reason} }

func Skip(reason string) Decision { return Decision{Kind: DecisionSkip, Reason: reason} }

// Permits reports whether the call may execute.
func (d Decision) Permits() bool {
	return d.Kind == DecisionAllow || d.Kind == DecisionAllowAll
}

func (d Decision) String() string {
	if d.Kind == DecisionAllowAll {
		return string(d.Kind) + ":" + string(d.Scope)
	}
	return string(d.Kind)
}

// ParseDecision accepts the wire names used by the gateway and CLI:
// allow, allow_all_tool, allow_all, deny, skip. The terminal shorthands
// y, a, A, n and s are accepted too.
func ParseDecision(s string) (Decision, error) {
	s = strings.TrimSpace(s)
	if s == "A" {
		return AllowAll(ScopeGlobal), nil
	}
	switch strings.ToLower(s) {
	case "allow", "y", "yes":
		return Allow(), nil
	case "allow_all_tool", "a":
		return AllowAll(ScopeTool), nil
	case "allow_all", "allow_all_global":
		return AllowAll(ScopeGlobal), nil
	case "deny", "n", "no":
		return Deny(""), nil
	case "skip", "s":
		return Skip(""), nil
	}
	return Decision{}, fmt.Errorf("unknown decision %q", s)
}

// Approver decides whether an assembled tool call may run. Decide may block
// for as long as a human needs; it must return ctx.Err() once ctx is done.
type Approver interface {
	Decide(ctx context.Context, req ToolCallRequest) (Decision, error)
}

type ApproverFunc func(ctx context.Context, req ToolCallRequest) (Decision, error)

func (f ApproverFunc) Decide(ctx context.Context, req ToolCallRequest) (Decision, error) {
	return f(ctx, req)
}

// AutoApprove allows every call.
var AutoApprove Approver = ApproverFunc(func(ctx context.Context, _ ToolCallRequest) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}
	return Allow(), nil
})

func deniedContent(req ToolCallRequest, d Decision) string {
	verb := "denied by the user"
	if d.Kind == DecisionSkip {
		verb = "skipped by the user"
	}
	msg := fmt.Sprintf("Tool call '%s' was %s and did not execute.", req.Name, verb)
	if d.Reason != "" {
		msg += " Reason: " + d.Reason
	}
	return msg
}
