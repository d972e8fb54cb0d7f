package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

type Mode string

const (
	ModeAuto      Mode = "auto"
	ModeAlwaysAsk Mode = "always-ask"
	ModeAskOnce   Mode = "ask-once"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeAuto, ModeAlwaysAsk, ModeAskOnce:
		return m, nil
	case "":
		return ModeAlwaysAsk, nil
	}
	return "", fmt.Errorf("unknown approval mode %q", s)
}

// Permission is ordered by risk.
type Permission int

const (
	PermReadOnly Permission = iota
	PermWrite
	PermExecute
	PermDestructive
)

func (p Permission) String() string {
	switch p {
	case PermReadOnly:
		return "read-only"
	case PermWrite:
		return "write"
	case PermExecute:
		return "execute"
	default:
		return "destructive"
	}
}

func (p Permission) RiskLevel() string {
	switch p {
	case PermReadOnly:
		return "SAFE"
	case PermWrite:
		return "MODERATE"
	case PermExecute:
		return "HIGH"
	default:
		return "CRITICAL"
	}
}

// ClassifyTool gives the default risk of a tool by name. Shell commands are
// inspected with ClassifyCommand; unknown tools are treated as Execute.
func ClassifyTool(name string, args map[string]any) Permission {
	switch name {
	case "read_file", "grep", "list_files":
		return PermReadOnly
	case "write_file", "edit_file":
		return PermWrite
	case "bash":
		if cmd, ok := args["command"].(string); ok {
			return ClassifyCommand(cmd)
		}
	}
	return PermExecute
}

var (
	destructivePatterns = []string{
		"rm -rf", "rm -fr", "rm -r", "rm -f", "mkfs", "dd if=", "format", "> /dev/",
		"git push --force", "git push -f", "git reset --hard", "git clean -fd", "git clean -df",
		"drop table", "drop database", "delete from", "truncate",
		"shutdown", "reboot", "init 0", "init 6", "kill -9", "killall", "pkill",
		":(){:|:&};:", "chmod -r", "chown -r",
	}
	writePatterns = []string{
		"git commit", "git push", "npm install", "cargo install", "pip install", "apt install",
		"yum install", "brew install", "mkdir", "touch", "mv ", "cp ", ">>", "git add", "git rm",
	}
	readOnlyPatterns = []string{
		"ls ", "cat ", "head ", "tail ", "grep ", "find ", "echo ", "pwd", "which", "whereis",
		"whoami", "date", "uname", "git status", "git diff", "git log", "git show", "npm list",
		"go version", "go env", "cargo --version", "python --version",
	}
)

func ClassifyCommand(command string) Permission {
	cmd := strings.ToLower(command)

	for _, p := range destructivePatterns {
		if strings.Contains(cmd, p) {
			return PermDestructive
		}
	}
	for _, p := range writePatterns {
		if strings.Contains(cmd, p) {
			return PermWrite
		}
	}
	if strings.Contains(cmd, ">") {
		return PermWrite
	}
	for _, p := range readOnlyPatterns {
		if strings.HasPrefix(cmd, p) || strings.Contains(cmd, " "+p) {
			return PermReadOnly
		}
	}
	return PermExecute
}

// Prompter asks a human about one call. prompt is the rendered text from
// FormatApprovalPrompt.
type Prompter interface {
	Prompt(ctx context.Context, req ToolCallRequest, prompt string) (Decision, error)
}

type PolicyOption func(*Policy)

// WithAllowList pre-approves tools by name.
func WithAllowList(names ...string) PolicyOption {
	return func(p *Policy) {
		for _, n := range names {
			p.allowList[n] = true
		}
	}
}

// WithClassifier replaces ClassifyTool, typically with Registry.Permission.
func WithClassifier(fn func(ToolCallRequest) Permission) PolicyOption {
	return func(p *Policy) { p.classify = fn }
}

// Policy is a session-scoped Approver. It remembers AllowAll decisions and,
// in ask-once mode, every tool approved so far, and only consults the
// Prompter when nothing cached answers the call. Read-only calls never
// prompt.
type Policy struct {
	prompter Prompter
	classify func(ToolCallRequest) Permission

	mu          sync.Mutex
	mode        Mode
	allowList   map[string]bool
	approved    map[string]bool
	allowGlobal bool
}

func NewPolicy(mode Mode, prompter Prompter, opts ...PolicyOption) *Policy {
	p := &Policy{
		prompter:  prompter,
		classify:  func(r ToolCallRequest) Permission { return ClassifyTool(r.Name, r.Args) },
		mode:      mode,
		allowList: make(map[string]bool),
		approved:  make(map[string]bool),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Policy) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SetMode switches modes. Switching to always-ask forgets cached approvals.
func (p *Policy) SetMode(m Mode) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if m == ModeAlwaysAsk {
		p.resetLocked()
	}
	p.mode = m
}

func (p *Policy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
}

func (p *Policy) resetLocked() {
	p.approved = make(map[string]bool)
	p.allowGlobal = false
}

// IsApproved reports whether calls to name are currently answered from cache.
func (p *Policy) IsApproved(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allowGlobal || p.approved[name] || p.allowList[name]
}

// NeedsPrompt reports whether Decide would consult the Prompter for req.
func (p *Policy) NeedsPrompt(req ToolCallRequest) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.needsPromptLocked(req)
}

func (p *Policy) needsPromptLocked(req ToolCallRequest) bool {
	if p.mode == ModeAuto {
		return false
	}
	if p.allowGlobal || p.approved[req.Name] || p.allowList[req.Name] {
		return false
	}
	return p.classify(req) != PermReadOnly
}

func (p *Policy) Decide(ctx context.Context, req ToolCallRequest) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	p.mu.Lock()
	needs := p.needsPromptLocked(req)
	p.mu.Unlock()
	if !needs {
		return Allow(), nil
	}
	if p.prompter == nil {
		return Deny("no approver configured"), nil
	}

	prompt := FormatApprovalPrompt(req, p.classify(req))
	d, err := p.prompter.Prompt(ctx, req, prompt)
	if err != nil {
		return Decision{}, err
	}
	p.record(req.Name, d)
	return d, nil
}

func (p *Policy) record(name string, d Decision) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case d.Kind == DecisionAllowAll && d.Scope == ScopeGlobal:
		p.allowGlobal = true
	case d.Kind == DecisionAllowAll:
		p.approved[name] = true
	case d.Kind == DecisionAllow && p.mode == ModeAskOnce:
		p.approved[name] = true
	}
}

// FormatApprovalPrompt renders a human-readable approval request.
func FormatApprovalPrompt(req ToolCallRequest, perm Permission) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n=== Tool Approval Request ===\nTool: %s\nRisk Level: %s\n", req.Name, perm.RiskLevel())

	str := func(key string) (string, bool) {
		v, ok := req.Args[key].(string)
		return v, ok
	}

	switch req.Name {
	case "read_file":
		if path, ok := str("path"); ok {
			fmt.Fprintf(&b, "Read file: %s\n", path)
		}
	case "write_file":
		if path, ok := str("path"); ok {
			fmt.Fprintf(&b, "Write to file: %s\n", path)
			if content, ok := str("content"); ok {
				fmt.Fprintf(&b, "Content preview: %s\n", preview(content, 100, true))
			}
		}
	case "edit_file":
		if path, ok := str("path"); ok {
			fmt.Fprintf(&b, "Edit file: %s\n", path)
		}
		if old, ok := str("old_text"); ok {
			fmt.Fprintf(&b, "Replace: %s\n", preview(old, 50, false))
		}
	case "bash":
		if cmd, ok := str("command"); ok {
			fmt.Fprintf(&b, "Execute: %s\n", cmd)
			if perm == PermDestructive {
				b.WriteString("\nWARNING: This command may be destructive!\n")
			}
		}
	case "grep":
		if pattern, ok := str("pattern"); ok {
			fmt.Fprintf(&b, "Search pattern: %s\n", pattern)
		}
		if path, ok := str("path"); ok {
			fmt.Fprintf(&b, "In path: %s\n", path)
		}
	case "list_files":
		if path, ok := str("path"); ok {
			fmt.Fprintf(&b, "List directory: %s\n", path)
		}
	default:
		params := req.RawArgs
		if req.Args != nil {
			if data, err := json.Marshal(req.Args); err == nil {
				params = string(data)
			}
		}
		fmt.Fprintf(&b, "Parameters: %s\n", params)
	}

	b.WriteString("\nApprove this action? [y]es / [n]o / [a]lways for this tool / [A]lways for all / [s]kip: ")
	return b.String()
}

func preview(s string, n int, withSize bool) string {
	if len(s) <= n {
		return s
	}
	if withSize {
		return fmt.Sprintf("%s... (%d bytes)", s[:n], len(s))
	}
	return s[:n] + "..."
}
