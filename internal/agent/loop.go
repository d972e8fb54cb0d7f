package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"quill/internal/llm"
	"quill/internal/observe"
	"quill/internal/router"
	"quill/internal/trace"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const DefaultMaxIterations = 15

type State int32

const (
	StateIdle State = iota
	StateRequesting
	StateAssembling
	StateApproving
	StateExecuting
	StateDone
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRequesting:
		return "requesting"
	case StateAssembling:
		return "assembling"
	case StateApproving:
		return "approving"
	case StateExecuting:
		return "executing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

type LoopOption func(*Loop)

func WithRoute(r router.Route) LoopOption {
	return func(l *Loop) { l.route = r }
}

func WithSystemPrompt(s string) LoopOption {
	return func(l *Loop) { l.systemPrompt = s }
}

// WithContextMessages prepends msgs to every request without storing them
// in the conversation.
func WithContextMessages(msgs ...llm.Message) LoopOption {
	return func(l *Loop) { l.contextMessages = append(l.contextMessages, msgs...) }
}

func WithApprover(a Approver) LoopOption {
	return func(l *Loop) { l.approver = a }
}

func WithConversation(c Conversation) LoopOption {
	return func(l *Loop) { l.conv = c }
}

func WithMaxIterations(n int) LoopOption {
	return func(l *Loop) {
		if n > 0 {
			l.maxIterations = n
		}
	}
}

func WithRetryPolicy(p RetryPolicy) LoopOption {
	return func(l *Loop) { l.retry = p }
}

func WithHooks(h Hooks) LoopOption {
	return func(l *Loop) { l.hooks = h }
}

// WithParallelTools lets up to n approved calls of one turn execute at once.
// Approval stays sequential and results keep request order.
func WithParallelTools(n int) LoopOption {
	return func(l *Loop) { l.parallel = n }
}

func WithMetrics(m *observe.Metrics) LoopOption {
	return func(l *Loop) { l.metrics = m }
}

// WithName labels the loop in logs, spans and metrics.
func WithName(name string) LoopOption {
	return func(l *Loop) { l.name = name }
}

// Loop drives one conversation. Runs on the same Loop are serialized; use
// separate Loops for concurrent conversations.
type Loop struct {
	client          llm.Client
	registry        *Registry
	route           router.Route
	name            string
	systemPrompt    string
	contextMessages []llm.Message
	approver        Approver
	conv            Conversation
	maxIterations   int
	retry           RetryPolicy
	hooks           Hooks
	parallel        int
	metrics         *observe.Metrics

	mu    sync.Mutex
	state atomic.Int32
}

func NewLoop(client llm.Client, registry *Registry, opts ...LoopOption) *Loop {
	if registry == nil {
		registry = NewRegistry()
	}
	l := &Loop{
		client:        client,
		registry:      registry,
		name:          "agent",
		approver:      AutoApprove,
		maxIterations: DefaultMaxIterations,
		retry:         DefaultRetryPolicy(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.conv == nil {
		l.conv = NewMemoryConversation()
	}
	return l
}

func (l *Loop) State() State { return State(l.state.Load()) }

func (l *Loop) Conversation() Conversation { return l.conv }

func (l *Loop) Name() string { return l.name }

// Run appends userMessage and drives the conversation until the model
// answers without tool calls, the run fails, or ctx is cancelled. Events are
// sent on events, blocking while it is full; a nil channel discards them.
// Run never closes events. The returned Result is non-nil even on error.
func (l *Loop) Run(ctx context.Context, userMessage string, events chan<- Event) (*Result, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	runID := RunIDFromContext(ctx)
	if runID == "" {
		runID = uuid.NewString()
	}
	ctx = ContextWithRunID(ctx, runID)
	ctx = ContextWithRole(ctx, l.name)

	truncated := userMessage
	if len(truncated) > 200 {
		truncated = truncated[:200]
	}
	ctx, span := trace.Tracer().Start(ctx, "agent.run",
		oteltrace.WithAttributes(
			attribute.String("quill.run_id", runID),
			attribute.String("quill.role", l.name),
			attribute.String("gen_ai.system", l.route.Provider),
			attribute.String("gen_ai.request.model", l.route.Model),
			attribute.String("user.message", truncated),
		),
	)
	defer span.End()

	done := l.metrics.RunStarted(ctx, l.name)
	defer done()

	r := &run{
		loop:   l,
		ctx:    ctx,
		id:     runID,
		events: events,
		result: &Result{RunID: runID},
		log:    slog.With("run_id", runID, "role", l.name),
	}
	r.log.Debug("run started", "provider", l.route.Provider, "model", l.route.Model)

	err := r.execute(userMessage)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.SetAttributes(
		attribute.Int("quill.iterations", r.result.Iterations),
		attribute.Int64("gen_ai.usage.input_tokens", r.result.Usage.InputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", r.result.Usage.OutputTokens),
	)
	return r.result, err
}

// run holds the state of one Run call.
type run struct {
	loop   *Loop
	ctx    context.Context
	id     string
	events chan<- Event
	result *Result
	log    *slog.Logger
}

// turn is one completed model response.
type turn struct {
	message llm.Message
	calls   []ToolCallRequest
	usage   llm.Usage
}

func (r *run) setState(s State) {
	r.loop.state.Store(int32(s))
}

func (r *run) emit(ev Event) bool {
	if r.ctx.Err() != nil {
		return false
	}
	if r.events == nil {
		return true
	}
	ev.RunID = r.id
	select {
	case r.events <- ev:
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *run) execute(userMessage string) error {
	if err := r.ctx.Err(); err != nil {
		return r.cancelled(err)
	}

	if err := r.loop.conv.Append(r.ctx, llm.Message{Role: llm.RoleUser, Content: userMessage}); err != nil {
		return r.fail(KindConversation, fmt.Errorf("appending user message: %w", err))
	}

	for iteration := 1; ; iteration++ {
		if err := r.ctx.Err(); err != nil {
			return r.cancelled(err)
		}
		if iteration > r.loop.maxIterations {
			return r.fail(KindIterationLimit, fmt.Errorf("%w: %d", ErrIterationLimit, r.loop.maxIterations))
		}
		r.result.Iterations = iteration
		r.setState(StateRequesting)
		if !r.emit(Event{Type: EventIterationStarted, Iteration: iteration}) {
			return r.cancelled(r.ctx.Err())
		}

		t, err := r.request(iteration)
		if err != nil {
			return err
		}

		if err := r.loop.conv.Append(r.ctx, t.message); err != nil {
			return r.fail(KindConversation, fmt.Errorf("appending assistant message: %w", err))
		}
		for i := range t.calls {
			call := t.calls[i]
			if !r.emit(Event{Type: EventToolCallReady, Iteration: iteration, CallID: call.ID, Name: call.Name, Request: &call}) {
				return r.abandon(t.calls, nil)
			}
		}

		if len(t.calls) == 0 {
			r.result.Message = t.message
			msg := t.message
			r.emit(Event{Type: EventTurnComplete, Iteration: iteration, Message: &msg})
			r.setState(StateDone)
			r.log.Debug("run finished", "iterations", iteration)
			return nil
		}

		results, err := r.resolve(t.calls, iteration)
		if err != nil {
			return err
		}
		if err := r.appendResults(r.ctx, results); err != nil {
			return r.fail(KindConversation, err)
		}
		msg := t.message
		if !r.emit(Event{Type: EventTurnComplete, Iteration: iteration, Message: &msg}) {
			return r.cancelled(r.ctx.Err())
		}
	}
}

// request issues one model request, retrying retryable failures. A failed
// attempt leaves the conversation untouched.
func (r *run) request(iteration int) (*turn, error) {
	msgs, err := r.loop.conv.Messages(r.ctx)
	if err != nil {
		return nil, r.fail(KindConversation, fmt.Errorf("reading conversation: %w", err))
	}
	if err := CheckToolReplies(msgs); err != nil {
		return nil, r.fail(KindConversation, err)
	}

	route := r.loop.route
	req := llm.Request{
		Model:        route.Model,
		SystemPrompt: r.loop.systemPrompt,
		Messages:     append(append([]llm.Message(nil), r.loop.contextMessages...), msgs...),
		Tools:        r.loop.registry.Definitions(),
		Temperature:  route.Params.Temperature,
		MaxTokens:    route.Params.MaxTokens,
	}

	for attempt := 0; ; attempt++ {
		t, forwarded, err := r.stream(req, iteration)
		if err == nil {
			return t, nil
		}
		if r.ctx.Err() != nil {
			return nil, r.cancelled(r.ctx.Err())
		}

		retryable := llm.IsRetryable(err)
		r.loop.metrics.RecordProviderError(r.ctx, route.Provider, retryable)
		if !retryable || attempt >= r.loop.retry.MaxRetries {
			return nil, r.fail(KindProvider, err)
		}

		delay := r.loop.retry.Delay(attempt)
		r.log.Warn("model request failed, retrying",
			"iteration", iteration, "attempt", attempt+1, "delay", delay, "error", err)
		if !r.emit(Event{Type: EventRetry, Iteration: iteration, Attempt: attempt + 1, Discard: forwarded, Error: err.Error()}) {
			return nil, r.cancelled(r.ctx.Err())
		}
		if err := sleep(r.ctx, delay); err != nil {
			return nil, r.cancelled(err)
		}
	}
}

var errStreamTimeout = errors.New("model request timed out")

// stream runs a single attempt. forwarded reports whether any delta reached
// the event channel before a failure.
func (r *run) stream(req llm.Request, iteration int) (t *turn, forwarded bool, err error) {
	route := r.loop.route

	reqCtx, cancelHook, err := r.loop.hooks.request(r.ctx, iteration)
	if err != nil {
		return nil, false, &llm.ProviderError{Provider: route.Provider, Err: fmt.Errorf("before request: %w", err)}
	}
	defer cancelHook()

	// Cancelling streamCtx on return releases the provider connection even
	// when the loop stops reading early.
	streamCtx, stop := context.WithCancel(reqCtx)
	defer stop()

	streamCtx, span := trace.Tracer().Start(streamCtx, "llm.request",
		oteltrace.WithAttributes(
			attribute.Int("llm.iteration", iteration),
			attribute.String("gen_ai.system", route.Provider),
			attribute.String("gen_ai.request.model", route.Model),
		),
	)
	start := time.Now()
	defer func() {
		r.loop.metrics.RecordLLM(r.ctx, route.Provider, route.Model, time.Since(start), err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	ch, err := r.loop.client.StreamCompletion(streamCtx, req)
	if err != nil {
		return nil, false, err
	}

	asm := NewAssembler("call")
	var text strings.Builder
	var usage llm.Usage

	for {
		var ev llm.Event
		var ok bool
		select {
		case ev, ok = <-ch:
		case <-streamCtx.Done():
			if r.ctx.Err() != nil {
				return nil, forwarded, r.ctx.Err()
			}
			return nil, forwarded, &llm.ProviderError{Provider: route.Provider, Retryable: true, Err: errStreamTimeout}
		}
		if !ok {
			if r.ctx.Err() != nil {
				return nil, forwarded, r.ctx.Err()
			}
			return nil, forwarded, &llm.ProviderError{Provider: route.Provider, Retryable: true, Err: errors.New("stream closed without a terminal event")}
		}

		switch ev.Kind {
		case llm.EventTextDelta:
			text.WriteString(ev.Text)
			forwarded = true
			if !r.emit(Event{Type: EventTextDelta, Iteration: iteration, Text: ev.Text}) {
				return nil, forwarded, r.ctx.Err()
			}

		case llm.EventToolCallDelta:
			d := ev.ToolCall
			id, name, started := asm.Add(d)
			forwarded = true
			if started {
				r.setState(StateAssembling)
			}
			var out Event
			switch {
			case started:
				out = Event{Type: EventToolCallStarted, Iteration: iteration, CallID: id, Name: name, Fragment: d.ArgsFragment}
			case d.ArgsFragment != "":
				out = Event{Type: EventToolCallArgs, Iteration: iteration, CallID: id, Name: name, Fragment: d.ArgsFragment}
			default:
				continue
			}
			if !r.emit(out) {
				return nil, forwarded, r.ctx.Err()
			}

		case llm.EventUsage:
			usage = ev.Usage
			u := ev.Usage
			if !r.emit(Event{Type: EventUsage, Iteration: iteration, Usage: &u}) {
				return nil, forwarded, r.ctx.Err()
			}

		case llm.EventError:
			if ev.Err == nil {
				ev.Err = errors.New("provider reported an unspecified error")
			}
			return nil, forwarded, ev.Err

		case llm.EventDone:
			r.setState(StateAssembling)
			calls := asm.Finish()
			msg := llm.Message{Role: llm.RoleAssistant, Content: text.String()}
			for _, c := range calls {
				msg.ToolCalls = append(msg.ToolCalls, c.toolCall())
			}

			r.result.Usage.InputTokens += usage.InputTokens
			r.result.Usage.OutputTokens += usage.OutputTokens
			r.loop.metrics.RecordTokens(r.ctx, route.Provider, usage.InputTokens, usage.OutputTokens)
			span.SetAttributes(
				attribute.Int("llm.tool_calls", len(calls)),
				attribute.Int64("gen_ai.usage.input_tokens", usage.InputTokens),
				attribute.Int64("gen_ai.usage.output_tokens", usage.OutputTokens),
			)
			r.log.Debug("model response complete", "iteration", iteration, "tool_calls", len(calls), "text_bytes", text.Len())
			return &turn{message: msg, calls: calls, usage: usage}, forwarded, nil
		}
	}
}

// resolve approves and executes every call of a turn and returns the
// results in request order.
func (r *run) resolve(calls []ToolCallRequest, iteration int) ([]ToolResult, error) {
	if r.loop.parallel > 1 && len(calls) > 1 {
		return r.resolveParallel(calls, iteration)
	}

	results := make([]ToolResult, 0, len(calls))
	for _, call := range calls {
		d, err := r.decide(call, iteration)
		if err != nil {
			return nil, r.abandon(calls, results)
		}
		var res ToolResult
		if d.Permits() {
			if err := r.ctx.Err(); err != nil {
				return nil, r.abandon(calls, results)
			}
			r.setState(StateExecuting)
			res = r.runTool(call)
		} else {
			res = skipped(call, d)
		}
		results = append(results, res)
		r.record(call, res)
		if !r.emit(Event{Type: EventToolResult, Iteration: iteration, CallID: call.ID, Name: call.Name, Result: &res}) {
			return nil, r.abandon(calls, results)
		}
		if r.ctx.Err() != nil {
			return nil, r.abandon(calls, results)
		}
	}
	return results, nil
}

func (r *run) resolveParallel(calls []ToolCallRequest, iteration int) ([]ToolResult, error) {
	decisions := make([]Decision, len(calls))
	for i, call := range calls {
		d, err := r.decide(call, iteration)
		if err != nil {
			return nil, r.abandon(calls, nil)
		}
		decisions[i] = d
	}
	if err := r.ctx.Err(); err != nil {
		return nil, r.abandon(calls, nil)
	}

	r.setState(StateExecuting)
	results := make([]ToolResult, len(calls))
	var g errgroup.Group
	g.SetLimit(r.loop.parallel)
	for i, call := range calls {
		if !decisions[i].Permits() {
			results[i] = skipped(call, decisions[i])
			continue
		}
		g.Go(func() error {
			if r.ctx.Err() != nil {
				results[i] = cancelledResult(call)
				return nil
			}
			results[i] = r.runTool(call)
			return nil
		})
	}
	_ = g.Wait()

	for i, call := range calls {
		res := results[i]
		r.record(call, res)
		if !r.emit(Event{Type: EventToolResult, Iteration: iteration, CallID: call.ID, Name: call.Name, Result: &res}) {
			return nil, r.abandon(calls, results)
		}
	}
	if r.ctx.Err() != nil {
		return nil, r.abandon(calls, results)
	}
	return results, nil
}

// decide consults the approver once for call. It only returns an error when
// the run itself is cancelled.
func (r *run) decide(call ToolCallRequest, iteration int) (Decision, error) {
	if err := r.ctx.Err(); err != nil {
		return Decision{}, err
	}
	r.setState(StateApproving)
	req := call
	if !r.emit(Event{Type: EventApproval, Iteration: iteration, CallID: call.ID, Name: call.Name, Request: &req}) {
		return Decision{}, r.ctx.Err()
	}

	actx, cancel, err := r.loop.hooks.approval(r.ctx, call)
	if err != nil {
		r.log.Warn("approval hook rejected call", "tool", call.Name, "call_id", call.ID, "error", err)
		return Deny(err.Error()), nil
	}
	defer cancel()

	d, err := r.loop.approver.Decide(actx, call)
	if r.ctx.Err() != nil {
		return Decision{}, r.ctx.Err()
	}
	if err != nil {
		r.log.Warn("approval failed, denying call", "tool", call.Name, "call_id", call.ID, "error", err)
		d = Deny(err.Error())
	}
	r.loop.metrics.RecordApproval(r.ctx, call.Name, string(d.Kind))
	r.log.Debug("approval decided", "tool", call.Name, "call_id", call.ID, "decision", d.String())
	return d, nil
}

func (r *run) runTool(call ToolCallRequest) ToolResult {
	ectx, cancel, err := r.loop.hooks.execute(r.ctx, call)
	if err != nil {
		return ToolResult{CallID: call.ID, Name: call.Name, Outcome: OutcomeError, Content: "Error: " + err.Error()}
	}
	defer cancel()
	return r.loop.registry.Execute(ectx, call)
}

func skipped(call ToolCallRequest, d Decision) ToolResult {
	outcome := OutcomeDenied
	if d.Kind == DecisionSkip {
		outcome = OutcomeSkipped
	}
	return ToolResult{CallID: call.ID, Name: call.Name, Outcome: outcome, Content: deniedContent(call, d)}
}

func (r *run) record(call ToolCallRequest, res ToolResult) {
	r.result.ToolCalls = append(r.result.ToolCalls, ToolExecution{Request: call, Result: res})
}

func (r *run) appendResults(ctx context.Context, results []ToolResult) error {
	msgs := make([]llm.Message, len(results))
	for i, res := range results {
		msgs[i] = res.message()
	}
	if err := r.loop.conv.Append(ctx, msgs...); err != nil {
		return fmt.Errorf("appending tool results: %w", err)
	}
	return nil
}

// abandon finishes a cancelled turn. Calls that already produced a result
// keep it; the rest get a cancellation reply so the conversation stays valid
// for the next run.
func (r *run) abandon(calls []ToolCallRequest, done []ToolResult) error {
	results := make([]ToolResult, len(calls))
	for i, call := range calls {
		if i < len(done) && done[i].CallID == call.ID {
			results[i] = done[i]
			continue
		}
		results[i] = cancelledResult(call)
	}
	if err := r.appendResults(context.WithoutCancel(r.ctx), results); err != nil {
		r.log.Warn("failed to record cancelled tool calls", "error", err)
	}
	return r.cancelled(r.ctx.Err())
}

func cancelledResult(call ToolCallRequest) ToolResult {
	return ToolResult{
		CallID:  call.ID,
		Name:    call.Name,
		Outcome: OutcomeCancelled,
		Content: fmt.Sprintf("Tool call '%s' was cancelled before it completed.", call.Name),
	}
}

func (r *run) cancelled(cause error) error {
	r.setState(StateCancelled)
	err := ErrCancelled
	if cause != nil && !errors.Is(cause, context.Canceled) {
		err = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	r.log.Info("run cancelled", "iterations", r.result.Iterations)

	if r.events != nil {
		select {
		case r.events <- Event{Type: EventError, RunID: r.id, ErrorKind: KindCancelled, Error: err.Error()}:
		default:
		}
	}
	return &RunError{Kind: KindCancelled, Err: err}
}

func (r *run) fail(kind ErrorKind, err error) error {
	r.setState(StateFailed)
	r.log.Error("run failed", "kind", kind, "iterations", r.result.Iterations, "error", err)
	r.emit(Event{Type: EventError, ErrorKind: kind, Error: err.Error()})
	return &RunError{Kind: kind, Err: err}
}
