// Package orchestrator runs the planner, coder and reviewer agents in
// sequence, handing each stage's output to the next as context.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"quill/internal/agent"
	"quill/internal/llm"
	"quill/internal/router"
	"quill/internal/trace"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Task is the input shared by every stage.
type Task struct {
	Request string   `json:"request"`
	RepoMap string   `json:"repo_map,omitempty"`
	Files   []File   `json:"files,omitempty"`
	Context []string `json:"context,omitempty"`
}

type StageResult struct {
	Role   router.Role   `json:"role"`
	Output string        `json:"output"`
	Result *agent.Result `json:"result"`
}

// PipelineResult holds the outputs of every completed stage. When a stage
// fails, FailedStage and Err are set and later stages are absent.
type PipelineResult struct {
	Plan        string        `json:"plan"`
	Code        string        `json:"code"`
	Review      string        `json:"review"`
	FinalOutput string        `json:"final_output"`
	Stages      []StageResult `json:"stages"`
	FailedStage router.Role   `json:"failed_stage,omitempty"`
	Err         error         `json:"-"`
}

func (r *PipelineResult) Output(role router.Role) (string, bool) {
	for _, s := range r.Stages {
		if s.Role == role {
			return s.Output, true
		}
	}
	return "", false
}

type EventType string

const (
	EventStageStarted     EventType = "stage_started"
	EventStageEvent       EventType = "stage_event"
	EventStageFinished    EventType = "stage_finished"
	EventStageFailed      EventType = "stage_failed"
	EventPipelineComplete EventType = "pipeline_complete"
)

type Event struct {
	Type   EventType    `json:"type"`
	Role   router.Role  `json:"role,omitempty"`
	Event  *agent.Event `json:"event,omitempty"`
	Output string       `json:"output,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// Builder creates a fresh Loop per stage. *agent.Factory implements it.
type Builder interface {
	Build(role router.Role, opts ...agent.LoopOption) (*agent.Loop, error)
}

type Option func(*Orchestrator)

// WithSinglePass runs only the coder stage.
func WithSinglePass() Option {
	return func(o *Orchestrator) { o.fullPipeline = false }
}

// WithStageOptions adds loop options, such as an approver, to every stage.
func WithStageOptions(opts ...agent.LoopOption) Option {
	return func(o *Orchestrator) { o.stageOpts = append(o.stageOpts, opts...) }
}

type Orchestrator struct {
	builder      Builder
	fullPipeline bool
	stageOpts    []agent.LoopOption
}

func New(builder Builder, opts ...Option) *Orchestrator {
	o := &Orchestrator{builder: builder, fullPipeline: true}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes the pipeline. On failure it returns the partial result along
// with the error; events is never closed.
func (o *Orchestrator) Run(ctx context.Context, task Task, events chan<- Event) (*PipelineResult, error) {
	ctx, span := trace.Tracer().Start(ctx, "pipeline.run",
		oteltrace.WithAttributes(attribute.Bool("pipeline.full", o.fullPipeline)),
	)
	defer span.End()

	p := &pipeline{o: o, ctx: ctx, task: task, events: events, result: &PipelineResult{}}
	err := p.run()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return p.result, err
}

type pipeline struct {
	o      *Orchestrator
	ctx    context.Context
	task   Task
	events chan<- Event
	result *PipelineResult
}

func (p *pipeline) run() error {
	if !p.o.fullPipeline {
		code, err := p.stage(router.RoleCoder)
		if err != nil {
			return err
		}
		p.result.Code = code.Output
		p.result.FinalOutput = code.Output
		p.emit(Event{Type: EventPipelineComplete, Output: code.Output})
		return nil
	}

	plan, err := p.stage(router.RolePlanner)
	if err != nil {
		return err
	}
	p.result.Plan = plan.Output

	code, err := p.stage(router.RoleCoder, previousOutput(plan.Output))
	if err != nil {
		return err
	}
	p.result.Code = code.Output
	p.result.FinalOutput = code.Output

	review, err := p.stage(router.RoleReviewer, reviewContext(plan.Output, code))
	if err != nil {
		return err
	}
	p.result.Review = review.Output

	p.emit(Event{Type: EventPipelineComplete, Output: code.Output})
	return nil
}

func (p *pipeline) emit(ev Event) {
	if p.events == nil {
		return
	}
	select {
	case p.events <- ev:
	case <-p.ctx.Done():
	}
}

// stage builds and runs one role. Upstream output arrives as context
// messages so it never enters the stage's own conversation.
func (p *pipeline) stage(role router.Role, context ...llm.Message) (*StageResult, error) {
	ctx, span := trace.Tracer().Start(p.ctx, "pipeline.stage",
		oteltrace.WithAttributes(attribute.String("quill.role", string(role))),
	)
	defer span.End()

	log := slog.With("role", role)
	p.emit(Event{Type: EventStageStarted, Role: role})

	opts := append([]agent.LoopOption(nil), p.o.stageOpts...)
	if len(context) > 0 {
		opts = append(opts, agent.WithContextMessages(context...))
	}
	loop, err := p.o.builder.Build(role, opts...)
	if err != nil {
		return nil, p.fail(role, span, err)
	}

	var stageEvents chan agent.Event
	var wg sync.WaitGroup
	if p.events != nil {
		stageEvents = make(chan agent.Event, 64)
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ev := range stageEvents {
				ev := ev
				p.emit(Event{Type: EventStageEvent, Role: role, Event: &ev})
			}
		}()
	}

	log.Info("stage started")
	res, err := loop.Run(ctx, userMessage(p.task), stageEvents)
	if stageEvents != nil {
		close(stageEvents)
		wg.Wait()
	}
	if err != nil {
		return nil, p.fail(role, span, err)
	}

	sr := StageResult{Role: role, Output: res.Message.Content, Result: res}
	p.result.Stages = append(p.result.Stages, sr)
	log.Info("stage finished", "iterations", res.Iterations, "tool_calls", len(res.ToolCalls))
	p.emit(Event{Type: EventStageFinished, Role: role, Output: sr.Output})
	return &sr, nil
}

func (p *pipeline) fail(role router.Role, span oteltrace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	slog.Warn("stage failed, stopping pipeline", "role", role, "error", err)

	p.result.FailedStage = role
	p.result.Err = err
	p.emit(Event{Type: EventStageFailed, Role: role, Error: err.Error()})
	return fmt.Errorf("stage %s: %w", role, err)
}

func userMessage(task Task) string {
	var b strings.Builder
	if task.RepoMap != "" {
		b.WriteString("## Repository Structure\n")
		b.WriteString(task.RepoMap)
		b.WriteString("\n\n")
	}
	if len(task.Files) > 0 {
		b.WriteString("## Relevant Files\n")
		for _, f := range task.Files {
			fmt.Fprintf(&b, "### %s\n```\n%s\n```\n\n", f.Path, f.Content)
		}
	}
	if len(task.Context) > 0 {
		b.WriteString("## Conversation Context\n")
		for _, c := range task.Context {
			b.WriteString(c)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("## User Request\n")
	b.WriteString(task.Request)
	return b.String()
}

func previousOutput(out string) llm.Message {
	return llm.Message{Role: llm.RoleSystem, Content: "## Previous Agent Output\n" + out}
}

func reviewContext(plan string, code *StageResult) llm.Message {
	var b strings.Builder
	fmt.Fprintf(&b, "## Plan\n%s\n\n## Implementation\n%s", plan, code.Output)
	if code.Result != nil && len(code.Result.ToolCalls) > 0 {
		b.WriteString("\n\n## Tool Activity\n")
		for _, tc := range code.Result.ToolCalls {
			fmt.Fprintf(&b, "- %s %s: %s\n", tc.Request.Name, tc.Request.Input(), tc.Result.Outcome)
		}
	}
	return llm.Message{Role: llm.RoleSystem, Content: b.String()}
}
