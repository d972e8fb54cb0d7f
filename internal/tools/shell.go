package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"quill/internal/agent"
)

const defaultBashTimeout = 120 * time.Second

// Bash runs a command with bash -c in the workspace directory.
type Bash struct {
	ws      Workspace
	timeout time.Duration
}

func NewBash(ws Workspace, timeout time.Duration) *Bash {
	if timeout <= 0 {
		timeout = defaultBashTimeout
	}
	return &Bash{ws: ws, timeout: timeout}
}

func (s *Bash) Name() string { return "bash" }
func (s *Bash) Description() string {
	return "Execute a bash command and return stdout, stderr and the exit code"
}

func (s *Bash) InputSchema() any {
	return object([]string{"command"}, map[string]any{
		"command":      prop("string", "The bash command to execute"),
		"timeout_secs": prop("integer", "Optional timeout in seconds (default 120)"),
	})
}

// Permission grades the command text rather than the tool as a whole.
func (s *Bash) Permission(args map[string]any) agent.Permission {
	cmd, _ := args["command"].(string)
	if cmd == "" {
		return agent.PermExecute
	}
	return agent.ClassifyCommand(cmd)
}

func (s *Bash) Execute(ctx context.Context, input string) (string, error) {
	var args struct {
		Command     string `json:"command"`
		TimeoutSecs int    `json:"timeout_secs"`
	}
	if err := decode("bash", input, &args); err != nil {
		return "", err
	}
	if args.Command == "" {
		return "", fmt.Errorf("command is required")
	}

	timeout := s.timeout
	if args.TimeoutSecs > 0 {
		timeout = time.Duration(args.TimeoutSecs) * time.Second
	}
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "bash", "-c", args.Command)
	cmd.Dir = s.ws.dir()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	slog.Debug("bash: running", "command", args.Command, "dir", cmd.Dir)
	runErr := cmd.Run()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if cmdCtx.Err() != nil {
		return "", fmt.Errorf("command timed out after %s", timeout)
	}

	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", fmt.Errorf("failed to execute: %w", runErr)
		}
		exitCode = exitErr.ExitCode()
	}

	slog.Debug("bash: done", "exit_code", exitCode, "stdout_bytes", stdout.Len())
	return result(map[string]any{
		"stdout":    truncate(stdout.Bytes()),
		"stderr":    truncate(stderr.Bytes()),
		"exit_code": exitCode,
		"success":   exitCode == 0,
	})
}
