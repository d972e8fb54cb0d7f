// Package mcphost connects to MCP servers and exposes their tools to agents.
package mcphost

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"quill/internal/agent"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"
)

const (
	TransportStdio = "stdio"
	TransportHTTP  = "http"
)

type ServerConfig struct {
	Name      string            `toml:"name" yaml:"name"`
	Transport string            `toml:"transport" yaml:"transport"`
	Command   string            `toml:"command" yaml:"command"`
	Args      []string          `toml:"args" yaml:"args"`
	URL       string            `toml:"url" yaml:"url"`
	Env       map[string]string `toml:"env" yaml:"env"`
}

// Host owns the client sessions for every connected server.
type Host struct {
	client *mcpsdk.Client

	mu       sync.Mutex
	sessions map[string]*mcpsdk.ClientSession
}

func New() *Host {
	return &Host{
		client:   mcpsdk.NewClient(&mcpsdk.Implementation{Name: "quill", Version: "1.0.0"}, nil),
		sessions: make(map[string]*mcpsdk.ClientSession),
	}
}

// ConnectAll connects to every server concurrently and registers the
// discovered tools into reg. A server that fails to connect is logged and
// skipped; the error is returned only when every server failed.
func (h *Host) ConnectAll(ctx context.Context, servers []ServerConfig, reg *agent.Registry) error {
	if len(servers) == 0 {
		return nil
	}

	found := make([][]agent.Tool, len(servers))
	errs := make([]error, len(servers))
	var g errgroup.Group
	for i, cfg := range servers {
		g.Go(func() error {
			t, err := h.Connect(ctx, cfg)
			if err != nil {
				slog.Warn("mcp server unavailable", "server", cfg.Name, "error", err)
				errs[i] = err
				return nil
			}
			found[i] = t
			return nil
		})
	}
	g.Wait()

	failed := 0
	for i, tools := range found {
		if errs[i] != nil {
			failed++
			continue
		}
		for _, t := range tools {
			reg.Register(t)
		}
		slog.Info("mcp server connected", "server", servers[i].Name, "tools", len(tools))
	}
	if failed == len(servers) {
		return fmt.Errorf("no mcp server could be reached: %w", errs[0])
	}
	return nil
}

// Connect opens a session to one server and returns its tools.
func (h *Host) Connect(ctx context.Context, cfg ServerConfig) ([]agent.Tool, error) {
	transport, err := transportFor(cfg)
	if err != nil {
		return nil, err
	}
	return h.ConnectTransport(ctx, cfg.Name, transport)
}

func transportFor(cfg ServerConfig) (mcpsdk.Transport, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("mcp server config needs a name")
	}
	switch cfg.Transport {
	case TransportStdio, "":
		exe, args := splitCommand(cfg.Command)
		if exe == "" {
			return nil, fmt.Errorf("mcp server %q: stdio transport needs a command", cfg.Name)
		}
		cmd := exec.Command(exe, append(args, cfg.Args...)...)
		cmd.Env = os.Environ()
		for k, v := range cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil
	case TransportHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("mcp server %q: http transport needs a url", cfg.Name)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}, nil
	default:
		return nil, fmt.Errorf("mcp server %q: unknown transport %q", cfg.Name, cfg.Transport)
	}
}

// ConnectTransport is Connect for an already built transport.
func (h *Host) ConnectTransport(ctx context.Context, name string, transport mcpsdk.Transport) ([]agent.Tool, error) {
	session, err := h.client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to mcp server %q: %w", name, err)
	}

	var tools []agent.Tool
	for t, err := range session.Tools(ctx, nil) {
		if err != nil {
			session.Close()
			return nil, fmt.Errorf("listing tools of mcp server %q: %w", name, err)
		}
		tools = append(tools, &remoteTool{server: name, session: session, tool: t})
	}

	h.mu.Lock()
	if old, ok := h.sessions[name]; ok {
		old.Close()
	}
	h.sessions[name] = session
	h.mu.Unlock()
	return tools, nil
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var firstErr error
	for name, s := range h.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("closing mcp server %q: %w", name, err)
		}
		delete(h.sessions, name)
	}
	return firstErr
}

// remoteTool adapts one MCP tool to agent.Tool. Its name is prefixed with
// the server name so tools from different servers cannot collide.
type remoteTool struct {
	server  string
	session *mcpsdk.ClientSession
	tool    *mcpsdk.Tool
}

func (t *remoteTool) Name() string        { return "mcp_" + t.server + "_" + t.tool.Name }
func (t *remoteTool) Description() string { return t.tool.Description }

func (t *remoteTool) InputSchema() any {
	if t.tool.InputSchema == nil {
		return map[string]any{"type": "object"}
	}
	return t.tool.InputSchema
}

func (t *remoteTool) Execute(ctx context.Context, input string) (string, error) {
	var args map[string]any
	if input != "" && input != "{}" {
		if err := json.Unmarshal([]byte(input), &args); err != nil {
			return "", fmt.Errorf("parsing %s input: %w", t.tool.Name, err)
		}
	}

	res, err := t.session.CallTool(ctx, &mcpsdk.CallToolParams{Name: t.tool.Name, Arguments: args})
	if err != nil {
		return "", fmt.Errorf("calling %s on %s: %w", t.tool.Name, t.server, err)
	}

	var sb strings.Builder
	for _, c := range res.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}
	if res.IsError {
		return "", fmt.Errorf("%s", sb.String())
	}
	return sb.String(), nil
}

func splitCommand(command string) (string, []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
