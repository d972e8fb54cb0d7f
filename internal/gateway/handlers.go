package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"quill/internal/agent"
	"quill/internal/history"
	"quill/internal/orchestrator"
	"quill/internal/router"

	"github.com/google/uuid"
)

type chatRequest struct {
	SessionID string `json:"session_id"`
	Message   string `json:"message"`
	Role      string `json:"role"`
}

type runStarted struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id,omitempty"`
	Role      string `json:"role,omitempty"`
}

// approvalEvent adds what a client needs to render an approval prompt.
type approvalEvent struct {
	agent.Event
	NeedsApproval bool   `json:"needs_approval"`
	Risk          string `json:"risk"`
	Prompt        string `json:"prompt,omitempty"`
}

type runOutcome struct {
	result *agent.Result
	err    error
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// begin registers a run and its approval policy.
func (s *Server) begin(ctx context.Context, sessionID, kind string) (*activeRun, context.Context, bool) {
	pending := newPendingApprovals()
	policy := agent.NewPolicy(s.mode, pending,
		agent.WithAllowList(s.allow...),
		agent.WithClassifier(s.factory.Tools().Permission),
	)
	ctx, cancel := context.WithCancel(ctx)
	run := &activeRun{
		id:        uuid.NewString(),
		sessionID: sessionID,
		kind:      kind,
		started:   time.Now(),
		cancel:    cancel,
		approvals: pending,
		policy:    policy,
	}
	if !s.runs.add(run) {
		cancel()
		return nil, nil, false
	}
	ctx = agent.ContextWithRunID(ctx, run.id)
	if sessionID != "" {
		ctx = agent.ContextWithSessionID(ctx, sessionID)
	}
	return run, ctx, true
}

func (s *Server) end(run *activeRun) {
	run.cancel()
	s.runs.remove(run.id)
}

// forward writes one agent event. For a call the policy will prompt on, the
// approval slot is opened first so the client can answer as soon as the
// event arrives; calls decided without a prompt get no slot.
func (s *Server) forward(sse *SSEWriter, run *activeRun, ev agent.Event) {
	if ev.Type != agent.EventApproval || ev.Request == nil {
		sse.Send(string(ev.Type), ev)
		return
	}
	perm := s.factory.Tools().Permission(*ev.Request)
	out := approvalEvent{
		Event:         ev,
		NeedsApproval: run.policy.NeedsPrompt(*ev.Request),
		Risk:          perm.RiskLevel(),
	}
	if out.NeedsApproval {
		run.approvals.expect(ev.CallID)
		out.Prompt = agent.FormatApprovalPrompt(*ev.Request, perm)
	}
	sse.Send(string(ev.Type), out)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.SessionID == "" {
		req.SessionID = uuid.NewString()
	}
	role := router.Role(req.Role)
	if role == "" {
		role = router.Classify(req.Message, s.factory.Tools().Len() > 0)
	}

	if err := s.store.EnsureSession(r.Context(), req.SessionID, "http"); err != nil {
		slog.Error("ensuring session", "session_id", req.SessionID, "error", err)
		writeError(w, http.StatusInternalServerError, "session store unavailable")
		return
	}

	run, ctx, ok := s.begin(r.Context(), req.SessionID, "chat")
	if !ok {
		writeError(w, http.StatusConflict, "session already has a run in progress")
		return
	}
	defer s.end(run)

	loop, err := s.factory.Build(role,
		agent.WithConversation(s.store.Conversation(req.SessionID)),
		agent.WithApprover(run.policy),
		agent.WithMetrics(s.metrics),
	)
	if err != nil {
		var ce *agent.ConfigurationError
		if errors.As(err, &ce) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	log := slog.With("run_id", run.id, "session_id", req.SessionID, "role", role)
	log.Info("chat run started")

	sse := NewSSEWriter(w)
	sse.Send("run_started", runStarted{RunID: run.id, SessionID: req.SessionID, Role: string(role)})

	events := make(chan agent.Event, s.buffer)
	done := make(chan runOutcome, 1)
	go func() {
		res, err := loop.Run(ctx, req.Message, events)
		close(events)
		done <- runOutcome{res, err}
	}()

	for ev := range events {
		s.forward(sse, run, ev)
	}
	out := <-done
	if out.err != nil {
		log.Warn("chat run ended with error", "error", out.err)
		return
	}
	sse.Send("done", out.result)
	s.compact(context.WithoutCancel(ctx), req.SessionID)
}

// compact runs while the session is still locked so the next run sees
// either the old context or the new summary, never a mix.
func (s *Server) compact(ctx context.Context, sessionID string) {
	if s.compactor == nil {
		return
	}
	if _, err := s.compactor.MaybeCompact(ctx, sessionID); err != nil {
		slog.Warn("session compaction failed", "session_id", sessionID, "error", err)
	}
}

type pipelineRequest struct {
	orchestrator.Task
	SinglePass bool `json:"single_pass"`
}

func (s *Server) handlePipeline(w http.ResponseWriter, r *http.Request) {
	var req pipelineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Request == "" {
		writeError(w, http.StatusBadRequest, "request is required")
		return
	}

	run, ctx, _ := s.begin(r.Context(), "", "pipeline")
	defer s.end(run)

	opts := []orchestrator.Option{
		orchestrator.WithStageOptions(agent.WithApprover(run.policy), agent.WithMetrics(s.metrics)),
	}
	if req.SinglePass {
		opts = append(opts, orchestrator.WithSinglePass())
	}
	orch := orchestrator.New(s.factory, opts...)

	sse := NewSSEWriter(w)
	sse.Send("run_started", runStarted{RunID: run.id})

	events := make(chan orchestrator.Event, s.buffer)
	type outcome struct {
		res *orchestrator.PipelineResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := orch.Run(ctx, req.Task, events)
		close(events)
		done <- outcome{res, err}
	}()

	for ev := range events {
		if ev.Type == orchestrator.EventStageEvent && ev.Event != nil && ev.Event.Type == agent.EventApproval &&
			ev.Event.Request != nil && run.policy.NeedsPrompt(*ev.Event.Request) {
			run.approvals.expect(ev.Event.CallID)
		}
		sse.Send(string(ev.Type), ev)
	}
	out := <-done
	if out.err != nil {
		slog.Warn("pipeline ended with error", "run_id", run.id, "stage", out.res.FailedStage, "error", out.err)
		sse.Send("error", map[string]any{"error": out.err.Error(), "failed_stage": out.res.FailedStage, "result": out.res})
		return
	}
	sse.Send("done", out.res)
}

type approvalRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

func (s *Server) handleApproval(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runs.get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	var req approvalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	d, err := agent.ParseDecision(req.Decision)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	d.Reason = req.Reason

	callID := r.PathValue("call_id")
	switch err := run.approvals.Resolve(callID, d); {
	case errors.Is(err, ErrUnknownCall):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrAlreadyResolved):
		writeError(w, http.StatusConflict, err.Error())
	default:
		slog.Info("approval resolved", "run_id", run.id, "call_id", callID, "decision", d.String())
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "decision": d.String()})
	}
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.runs.get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	run.cancel()
	slog.Info("run cancelled by client", "run_id", run.id)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.runs.list())
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.store.Session(r.Context(), r.PathValue("id"))
	if errors.Is(err, history.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
