// Package app wires quill's services together with go.uber.org/dig.
// Constructors run lazily, so a command only pays for what it resolves:
// `quill route` never opens the database and `quill run` never builds the
// gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"quill/internal/agent"
	"quill/internal/config"
	"quill/internal/db"
	"quill/internal/gateway"
	"quill/internal/history"
	"quill/internal/llm"
	"quill/internal/mcphost"
	"quill/internal/observe"
	"quill/internal/router"
	"quill/internal/tools"
	"quill/internal/trace"

	"go.uber.org/dig"
)

// App holds the container and the shutdown funcs of everything it built.
type App struct {
	ctx context.Context
	cfg *config.Config
	c   *dig.Container

	mu      sync.Mutex
	closers []func(context.Context) error
}

type Option func(*options)

type options struct {
	telemetry bool
}

// WithTelemetry installs the global tracer and meter providers. It is off by
// default because the Prometheus exporter registers with the process-wide
// registry and can only be installed once.
func WithTelemetry() Option {
	return func(o *options) { o.telemetry = true }
}

// New registers every constructor. ctx bounds long-lived connections such as
// MCP sessions.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{ctx: ctx, cfg: cfg, c: dig.New()}
	if o.telemetry {
		if err := a.initTelemetry(); err != nil {
			return nil, err
		}
	}

	for _, fn := range []any{
		func() *config.Config { return cfg },
		newMetrics,
		newProviders,
		newRouter,
		mcphost.New,
		a.newTools,
		a.newFactory,
		a.newDB,
		history.NewStore,
		newCompactor,
		newGateway,
	} {
		if err := a.c.Provide(fn); err != nil {
			return nil, fmt.Errorf("app: provide: %w", err)
		}
	}
	return a, nil
}

func (a *App) initTelemetry() error {
	shutdownTrace, err := trace.Init(a.ctx, trace.Config{
		Endpoint: a.cfg.Tracing.Endpoint,
		URLPath:  a.cfg.Tracing.URLPath,
		APIKey:   a.cfg.Tracing.APIKey,
		Insecure: a.cfg.Tracing.Insecure,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.onClose(shutdownTrace)

	shutdownMetrics, err := observe.InitProvider(a.ctx, "quill")
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}
	a.onClose(shutdownMetrics)
	return nil
}

func (a *App) Config() *config.Config { return a.cfg }

func (a *App) Providers() (*llm.Registry, error) { return resolve[*llm.Registry](a) }

func (a *App) Router() (*router.Router, error) { return resolve[*router.Router](a) }

func (a *App) Factory() (*agent.Factory, error) { return resolve[*agent.Factory](a) }

func (a *App) Store() (*history.Store, error) { return resolve[*history.Store](a) }

func (a *App) Gateway() (*gateway.Server, error) { return resolve[*gateway.Server](a) }

func (a *App) Metrics() (*observe.Metrics, error) { return resolve[*observe.Metrics](a) }

// Compactor returns nil when compaction is disabled.
func (a *App) Compactor() (*history.Compactor, error) { return resolve[*history.Compactor](a) }

// resolve builds T and its dependencies on first use. Constructor errors are
// unwrapped so callers can match configuration errors with errors.As.
func resolve[T any](a *App) (T, error) {
	var out T
	err := a.c.Invoke(func(v T) { out = v })
	if err != nil {
		return out, dig.RootCause(err)
	}
	return out, nil
}

func (a *App) onClose(fn func(context.Context) error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closers = append(a.closers, fn)
}

// Close shuts down everything built so far in reverse order.
func (a *App) Close(ctx context.Context) error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func newMetrics() *observe.Metrics {
	return observe.DefaultMetrics()
}

func newProviders(cfg *config.Config) *llm.Registry {
	return llm.NewRegistry(cfg.Providers)
}

func newRouter(cfg *config.Config, providers *llm.Registry) (*router.Router, error) {
	rt, err := router.New(cfg.RouterRoutes(), router.Role(cfg.DefaultRole))
	if err != nil {
		return nil, err
	}
	if err := rt.Validate(providers.Has); err != nil {
		return nil, err
	}
	return rt, nil
}

func (a *App) newTools(cfg *config.Config, m *observe.Metrics, host *mcphost.Host) (*agent.Registry, error) {
	reg := agent.NewRegistry()
	reg.SetMetrics(m)

	err := tools.RegisterBuiltins(reg, tools.Options{
		Workspace:   tools.Workspace{Root: cfg.Workspace.Root, Restrict: cfg.Workspace.Restrict},
		BraveAPIKey: cfg.Services.Brave.APIKey,
		BashTimeout: cfg.Workspace.BashTimeout.Duration,
	})
	if err != nil {
		return nil, err
	}

	a.onClose(func(context.Context) error { return host.Close() })
	if len(cfg.MCP.Servers) > 0 {
		if err := host.ConnectAll(a.ctx, cfg.MCP.Servers, reg); err != nil {
			return nil, err
		}
	}
	slog.Debug("tool registry ready", "tools", reg.Len())
	return reg, nil
}

// newFactory also registers the delegate tool, which needs the factory
// itself to build sub-agents.
func (a *App) newFactory(cfg *config.Config, rt *router.Router, providers *llm.Registry, reg *agent.Registry, m *observe.Metrics) *agent.Factory {
	opts := []agent.LoopOption{
		agent.WithRetryPolicy(cfg.RetryPolicy()),
		agent.WithMetrics(m),
	}
	if cfg.Loop.ParallelTools > 1 {
		opts = append(opts, agent.WithParallelTools(cfg.Loop.ParallelTools))
	}

	var hooks agent.Hooks
	if d := cfg.Loop.RequestTimeout.Duration; d > 0 {
		hooks.BeforeRequest = agent.RequestTimeout(d)
	}
	if d := cfg.Loop.ToolTimeout.Duration; d > 0 {
		hooks.BeforeExecute = agent.CallTimeout(d)
	}
	opts = append(opts, agent.WithHooks(hooks))

	f := agent.NewFactory(rt, providers, reg, cfg.Profiles(), opts...)
	reg.Register(tools.NewDelegate(f))
	return f
}

func (a *App) newDB(cfg *config.Config) (*db.DB, error) {
	database, err := db.Open(cfg.DB.Path, db.Options{
		JournalMode: cfg.DB.JournalMode,
		BusyTimeout: cfg.DB.BusyTimeout.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrating database: %w", err)
	}
	a.onClose(func(context.Context) error { return database.Close() })
	return database, nil
}

func newCompactor(cfg *config.Config, rt *router.Router, providers *llm.Registry, store *history.Store) (*history.Compactor, error) {
	if !cfg.Compaction.Enabled {
		return nil, nil
	}
	route := rt.Select(router.Role(cfg.Compaction.Role))
	client, err := providers.Client(route.Provider)
	if err != nil {
		return nil, fmt.Errorf("compaction provider %q: %w", route.Provider, err)
	}
	return history.NewCompactor(store, client, route, history.CompactionConfig{
		Threshold:  cfg.Compaction.Threshold,
		KeepRecent: cfg.Compaction.KeepRecent,
	}), nil
}

func newGateway(cfg *config.Config, f *agent.Factory, store *history.Store, compactor *history.Compactor, m *observe.Metrics) (*gateway.Server, error) {
	mode, err := agent.ParseMode(cfg.Approval.Mode)
	if err != nil {
		return nil, err
	}
	opts := []gateway.Option{
		gateway.WithToken(cfg.Gateway.Token),
		gateway.WithMetrics(m),
		gateway.WithApproval(mode, cfg.Approval.AllowList...),
		gateway.WithEventBuffer(cfg.Loop.EventBuffer),
		gateway.WithMetricsHandler(observe.Handler()),
	}
	if compactor != nil {
		opts = append(opts, gateway.WithCompactor(compactor))
	}
	return gateway.NewServer(f, store, opts...), nil
}
