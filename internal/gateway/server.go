// Package gateway serves agent runs over HTTP, streaming events as SSE and
// taking approval decisions from the client.
package gateway

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"quill/internal/agent"
	"quill/internal/history"
	"quill/internal/observe"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// SessionStore is the persistence the gateway needs. *history.Store
// implements it.
type SessionStore interface {
	EnsureSession(ctx context.Context, sessionID, channel string) error
	Conversation(sessionID string) agent.Conversation
	Session(ctx context.Context, sessionID string) (*history.Session, error)
}

type Option func(*Server)

func WithToken(token string) Option {
	return func(s *Server) { s.token = token }
}

func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// WithApproval sets the approval mode applied to every run.
func WithApproval(mode agent.Mode, allow ...string) Option {
	return func(s *Server) {
		s.mode = mode
		s.allow = allow
	}
}

func WithEventBuffer(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.buffer = n
		}
	}
}

// Compactor shrinks a session's model context after a chat run.
// *history.Compactor implements it.
type Compactor interface {
	MaybeCompact(ctx context.Context, sessionID string) (bool, error)
}

func WithCompactor(c Compactor) Option {
	return func(s *Server) { s.compactor = c }
}

// WithMetricsHandler mounts h at /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metricsHandler = h }
}

type Server struct {
	factory *agent.Factory
	store   SessionStore
	runs    *runTable

	token          string
	metrics        *observe.Metrics
	metricsHandler http.Handler
	compactor      Compactor
	mode           agent.Mode
	allow          []string
	buffer         int

	mux *http.ServeMux
}

func NewServer(factory *agent.Factory, store SessionStore, opts ...Option) *Server {
	s := &Server{
		factory: factory,
		store:   store,
		runs:    newRunTable(),
		mode:    agent.ModeAlwaysAsk,
		buffer:  64,
		mux:     http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/chat", s.handleChat)
	s.mux.HandleFunc("POST /v1/pipeline", s.handlePipeline)
	s.mux.HandleFunc("GET /v1/runs", s.handleListRuns)
	s.mux.HandleFunc("POST /v1/runs/{id}/approvals/{call_id}", s.handleApproval)
	s.mux.HandleFunc("DELETE /v1/runs/{id}", s.handleCancelRun)
	s.mux.HandleFunc("GET /v1/sessions/{id}", s.handleGetSession)
	s.mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.metricsHandler != nil {
		s.mux.Handle("GET /metrics", s.metricsHandler)
	}
}

// Handler returns the mux wrapped with auth, metrics and tracing.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = s.auth(h)
	h = observe.Middleware(s.metrics)(h)
	return otelhttp.NewHandler(h, "quill.gateway")
}

func (s *Server) auth(next http.Handler) http.Handler {
	if s.token == "" {
		return next
	}
	want := []byte("Bearer " + s.token)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" || strings.HasPrefix(r.URL.Path, "/metrics") {
			next.ServeHTTP(w, r)
			return
		}
		got := []byte(r.Header.Get("Authorization"))
		if subtle.ConstantTimeCompare(got, want) != 1 {
			writeError(w, http.StatusUnauthorized, "missing or invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		slog.Info("gateway listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
