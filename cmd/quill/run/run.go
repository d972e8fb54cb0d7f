package run

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"quill/cmd/quill/cli"
	"quill/internal/agent"
	"quill/internal/app"
	"quill/internal/router"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	role      string
	sessionID string
	newSess   bool
	approval  string
	quiet     bool
)

var Cmd = &cobra.Command{
	Use:   "run [message]",
	Short: "Run one agent turn and stream the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := cli.Open(ctx)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())
		cfg := a.Config()

		f, err := a.Factory()
		if err != nil {
			return err
		}
		policy, err := cli.Policy(cfg, f, approval)
		if err != nil {
			return err
		}
		opts := []agent.LoopOption{agent.WithApprover(policy)}

		if newSess {
			sessionID = uuid.NewString()
		}
		if sessionID != "" {
			store, err := a.Store()
			if err != nil {
				return err
			}
			if err := store.EnsureSession(ctx, sessionID, "cli"); err != nil {
				return fmt.Errorf("opening session: %w", err)
			}
			opts = append(opts, agent.WithConversation(store.Conversation(sessionID)))
			ctx = agent.ContextWithSessionID(ctx, sessionID)
			fmt.Fprintf(os.Stderr, "session %s\n", sessionID)
		}

		r := router.Role(role)
		if r == "" {
			r = router.Role(cfg.DefaultRole)
		}
		loop, err := f.Build(r, opts...)
		if err != nil {
			return err
		}

		events := make(chan agent.Event, cfg.Loop.EventBuffer)
		done := make(chan struct{})
		go func() {
			defer close(done)
			cli.NewPrinter(quiet).Drain(events)
		}()

		res, err := loop.Run(ctx, strings.Join(args, " "), events)
		close(events)
		<-done
		if err != nil {
			return err
		}
		if sessionID != "" {
			compact(ctx, a, sessionID)
		}
		slog.Debug("run finished", "run_id", res.RunID, "iterations", res.Iterations,
			"tool_calls", len(res.ToolCalls), "input_tokens", res.Usage.InputTokens, "output_tokens", res.Usage.OutputTokens)
		return nil
	},
}

func compact(ctx context.Context, a *app.App, sessionID string) {
	c, err := a.Compactor()
	if err != nil {
		slog.Warn("compaction unavailable", "error", err)
		return
	}
	if c == nil {
		return
	}
	if _, err := c.MaybeCompact(ctx, sessionID); err != nil {
		slog.Warn("session compaction failed", "session_id", sessionID, "error", err)
	}
}

func init() {
	Cmd.Flags().StringVarP(&role, "role", "r", "", "agent role (default: default_role from config)")
	Cmd.Flags().StringVarP(&sessionID, "session", "s", "", "persist the conversation under this session id")
	Cmd.Flags().BoolVar(&newSess, "new-session", false, "start a new persisted session")
	Cmd.Flags().StringVar(&approval, "approval", "", "approval mode: auto, always-ask or ask-once")
	Cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide tool activity")
}
