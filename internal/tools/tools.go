// Package tools holds the built-in tool executors offered to agents.
package tools

import (
	"log/slog"
	"time"

	"quill/internal/agent"
)

type Options struct {
	Workspace   Workspace
	BraveAPIKey string
	BashTimeout time.Duration
}

// RegisterBuiltins adds the file, shell, search and web tools to reg.
// web_search is only registered when a Brave API key is configured.
func RegisterBuiltins(reg *agent.Registry, opts Options) error {
	reg.Register(NewListFiles(opts.Workspace))
	reg.Register(NewReadFile(opts.Workspace))
	reg.Register(NewWriteFile(opts.Workspace))
	reg.Register(NewEditFile(opts.Workspace))
	reg.Register(NewGrep(opts.Workspace))
	reg.Register(NewBash(opts.Workspace, opts.BashTimeout))
	reg.Register(NewFetch())

	if opts.BraveAPIKey == "" {
		slog.Debug("brave api key not set, web_search disabled")
		return nil
	}
	ws, err := NewWebSearch(opts.BraveAPIKey)
	if err != nil {
		return err
	}
	reg.Register(ws)
	return nil
}
