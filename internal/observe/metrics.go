// Package observe holds the OpenTelemetry metric instruments for quill and
// the plumbing that exposes them to Prometheus.
//
// Tests should build their own [Metrics] with [NewMetrics] and a manual
// reader; production code uses [DefaultMetrics], which binds to the global
// meter provider installed by [InitProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "quill"

// Metrics holds every instrument recorded by the engine. All methods are safe
// on a nil receiver so components can run without metrics wired in.
type Metrics struct {
	LLMDuration  metric.Float64Histogram
	ToolDuration metric.Float64Histogram

	// ProviderRequests is labelled provider, model, status.
	ProviderRequests metric.Int64Counter
	// ProviderErrors is labelled provider, retryable.
	ProviderErrors metric.Int64Counter
	// ToolCalls is labelled tool, outcome.
	ToolCalls metric.Int64Counter
	// Approvals is labelled tool, decision.
	Approvals metric.Int64Counter
	// Tokens is labelled provider, direction (input|output).
	Tokens metric.Int64Counter

	ActiveRuns metric.Int64UpDownCounter

	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are in seconds and sized for model round-trips, which run
// much longer than typical RPCs.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.LLMDuration, err = m.Float64Histogram("quill.llm.duration",
		metric.WithDescription("Latency of one streamed model request, first byte to terminal event."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("quill.tool.duration",
		metric.WithDescription("Latency of tool execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("quill.provider.requests",
		metric.WithDescription("Model requests by provider, model and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("quill.provider.errors",
		metric.WithDescription("Provider failures by provider and retryability."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("quill.tool.calls",
		metric.WithDescription("Resolved tool calls by tool and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Approvals, err = m.Int64Counter("quill.approvals",
		metric.WithDescription("Approval decisions by tool and decision."),
	); err != nil {
		return nil, err
	}
	if met.Tokens, err = m.Int64Counter("quill.tokens",
		metric.WithDescription("Tokens reported by providers."),
	); err != nil {
		return nil, err
	}
	if met.ActiveRuns, err = m.Int64UpDownCounter("quill.active_runs",
		metric.WithDescription("Agent runs currently in progress."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("quill.http.request.duration",
		metric.WithDescription("Gateway request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the process-wide instance bound to the global meter
// provider. It panics only if instrument creation fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

func (m *Metrics) RecordLLM(ctx context.Context, provider, model string, d time.Duration, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("model", model),
		attribute.String("status", status),
	)
	m.ProviderRequests.Add(ctx, 1, attrs)
	m.LLMDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) RecordProviderError(ctx context.Context, provider string, retryable bool) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.Bool("retryable", retryable),
	))
}

func (m *Metrics) RecordTool(ctx context.Context, tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("outcome", outcome),
	)
	m.ToolCalls.Add(ctx, 1, attrs)
	if d > 0 {
		m.ToolDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func (m *Metrics) RecordApproval(ctx context.Context, tool, decision string) {
	if m == nil {
		return
	}
	m.Approvals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("decision", decision),
	))
}

func (m *Metrics) RecordTokens(ctx context.Context, provider string, input, output int64) {
	if m == nil {
		return
	}
	m.Tokens.Add(ctx, input, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("direction", "input"),
	))
	m.Tokens.Add(ctx, output, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("direction", "output"),
	))
}

// RunStarted increments the active run gauge and returns the matching
// decrement.
func (m *Metrics) RunStarted(ctx context.Context, role string) func() {
	if m == nil {
		return func() {}
	}
	attrs := metric.WithAttributes(attribute.String("role", role))
	m.ActiveRuns.Add(ctx, 1, attrs)
	return func() { m.ActiveRuns.Add(context.WithoutCancel(ctx), -1, attrs) }
}
