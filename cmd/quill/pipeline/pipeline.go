package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"quill/cmd/quill/cli"
	"quill/internal/agent"
	"quill/internal/orchestrator"

	"github.com/spf13/cobra"
)

var (
	singlePass bool
	files      []string
	repoMap    string
	approval   string
	quiet      bool
)

var Cmd = &cobra.Command{
	Use:   "pipeline [request]",
	Short: "Plan, implement and review a change with three agents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		task, err := buildTask(strings.Join(args, " "))
		if err != nil {
			return err
		}

		a, err := cli.Open(ctx)
		if err != nil {
			return err
		}
		defer a.Close(context.Background())

		f, err := a.Factory()
		if err != nil {
			return err
		}
		policy, err := cli.Policy(a.Config(), f, approval)
		if err != nil {
			return err
		}

		opts := []orchestrator.Option{orchestrator.WithStageOptions(agent.WithApprover(policy))}
		if singlePass {
			opts = append(opts, orchestrator.WithSinglePass())
		}

		events := make(chan orchestrator.Event, a.Config().Loop.EventBuffer)
		done := make(chan struct{})
		go func() {
			defer close(done)
			printStages(cli.NewPrinter(quiet), events)
		}()

		res, err := orchestrator.New(f, opts...).Run(ctx, task, events)
		close(events)
		<-done
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if res.Review != "" {
			fmt.Fprintf(out, "\n=== Review ===\n%s\n", res.Review)
		}
		return nil
	},
}

func buildTask(request string) (orchestrator.Task, error) {
	task := orchestrator.Task{Request: request}
	if repoMap != "" {
		b, err := os.ReadFile(repoMap)
		if err != nil {
			return task, fmt.Errorf("reading repo map: %w", err)
		}
		task.RepoMap = string(b)
	}
	for _, path := range files {
		b, err := os.ReadFile(path)
		if err != nil {
			return task, fmt.Errorf("reading %s: %w", path, err)
		}
		task.Files = append(task.Files, orchestrator.File{Path: path, Content: string(b)})
	}
	return task, nil
}

func printStages(p *cli.Printer, events <-chan orchestrator.Event) {
	for ev := range events {
		switch ev.Type {
		case orchestrator.EventStageStarted:
			fmt.Fprintf(p.Out, "\n=== %s ===\n", strings.ToUpper(string(ev.Role)))
		case orchestrator.EventStageEvent:
			p.Print(*ev.Event)
		case orchestrator.EventStageFailed:
			fmt.Fprintf(p.Status, "[%s failed] %s\n", ev.Role, ev.Error)
		}
	}
}

func init() {
	Cmd.Flags().BoolVar(&singlePass, "single-pass", false, "run only the coder agent")
	Cmd.Flags().StringSliceVarP(&files, "file", "f", nil, "include a file's contents in the task (repeatable)")
	Cmd.Flags().StringVar(&repoMap, "repo-map", "", "file holding a repository structure summary")
	Cmd.Flags().StringVar(&approval, "approval", "", "approval mode: auto, always-ask or ask-once")
	Cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "hide tool activity")
}
