// Package cli holds what the quill subcommands share: the global flags, app
// construction, the terminal approval prompter and event rendering.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"quill/internal/agent"
	"quill/internal/app"
	"quill/internal/config"
	"quill/internal/logger"
)

var (
	ConfigPath string
	LogLevel   string
)

// Open loads the configuration and builds the app. The --log-level flag wins
// over log_level in the file.
func Open(ctx context.Context, opts ...app.Option) (*app.App, error) {
	cfg, err := config.Load(ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	level := LogLevel
	if level == "" {
		level = cfg.LogLevel
	}
	logger.Init(level)
	return app.New(ctx, cfg, opts...)
}

// Policy builds the approval policy for a terminal session. mode overrides
// approval.mode when non-empty.
func Policy(cfg *config.Config, f *agent.Factory, mode string) (*agent.Policy, error) {
	if mode == "" {
		mode = cfg.Approval.Mode
	}
	m, err := agent.ParseMode(mode)
	if err != nil {
		return nil, err
	}
	return agent.NewPolicy(m, NewTerminalPrompter(os.Stdin, os.Stderr),
		agent.WithAllowList(cfg.Approval.AllowList...),
		agent.WithClassifier(f.Tools().Permission),
	), nil
}

// TerminalPrompter asks for approval on the terminal. Prompts are serialized
// so parallel tool calls never interleave their questions. A single reader
// goroutine owns the input, so a cancelled prompt never strands a read that
// would swallow the next answer.
type TerminalPrompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer

	start sync.Once
	lines chan lineRead
}

type lineRead struct {
	line string
	err  error
}

func NewTerminalPrompter(in io.Reader, out io.Writer) *TerminalPrompter {
	return &TerminalPrompter{in: bufio.NewReader(in), out: out, lines: make(chan lineRead)}
}

func (p *TerminalPrompter) Prompt(ctx context.Context, req agent.ToolCallRequest, prompt string) (agent.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.start.Do(func() { go p.readLines() })

	fmt.Fprint(p.out, prompt)
	for {
		line, err := p.readLine(ctx)
		if err != nil {
			return agent.Decision{}, err
		}
		d, err := agent.ParseDecision(line)
		if err == nil {
			return d, nil
		}
		fmt.Fprintf(p.out, "%v, answer y, n, a, A or s: ", err)
	}
}

// readLines feeds p.lines until the input fails, then closes it.
func (p *TerminalPrompter) readLines() {
	defer close(p.lines)
	for {
		line, err := p.in.ReadString('\n')
		if err != nil && (err != io.EOF || line == "") {
			p.lines <- lineRead{err: err}
			return
		}
		p.lines <- lineRead{line: line}
		if err != nil {
			return
		}
	}
}

func (p *TerminalPrompter) readLine(ctx context.Context) (string, error) {
	select {
	case r, ok := <-p.lines:
		if !ok {
			return "", fmt.Errorf("reading approval: %w", io.EOF)
		}
		if r.err != nil {
			return "", fmt.Errorf("reading approval: %w", r.err)
		}
		return strings.TrimSpace(r.line), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Printer renders a run's events on a terminal. Text deltas stream to out;
// tool activity goes to status so it can be silenced with --quiet.
type Printer struct {
	Out    io.Writer
	Status io.Writer
}

func NewPrinter(quiet bool) *Printer {
	p := &Printer{Out: os.Stdout, Status: os.Stderr}
	if quiet {
		p.Status = io.Discard
	}
	return p
}

func (p *Printer) Print(ev agent.Event) {
	switch ev.Type {
	case agent.EventTextDelta:
		fmt.Fprint(p.Out, ev.Text)
	case agent.EventToolCallReady:
		if ev.Request != nil {
			fmt.Fprintf(p.Status, "\n[tool] %s %s\n", ev.Request.Name, ev.Request.Input())
		}
	case agent.EventToolResult:
		if ev.Result != nil {
			fmt.Fprintf(p.Status, "[%s] %s\n", ev.Result.Outcome, ev.Result.Name)
		}
	case agent.EventRetry:
		fmt.Fprintf(p.Status, "\n[retry %d] %s\n", ev.Attempt, ev.Error)
		if ev.Discard {
			fmt.Fprintln(p.Out, "\n--- response restarted ---")
		}
	case agent.EventTurnComplete:
		fmt.Fprintln(p.Out)
	case agent.EventError:
		fmt.Fprintf(p.Status, "[error] %s\n", ev.Error)
	}
}

// Drain prints events until ch is closed.
func (p *Printer) Drain(ch <-chan agent.Event) {
	for ev := range ch {
		p.Print(ev)
	}
}
