// Package trace installs the OTLP/HTTP tracer provider used by every quill
// component and hands out the shared tracer.
package trace

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "quill"

type Config struct {
	Endpoint    string // host:port of the OTLP collector; empty disables export
	URLPath     string
	APIKey      string // sent as a bearer token
	Insecure    bool
	ServiceName string
}

type otelErrorHandler struct{}

func (otelErrorHandler) Handle(err error) {
	slog.Warn("otel error", "error", err)
}

// Init installs a batching tracer provider. With no endpoint configured it
// leaves the global no-op provider in place and returns a no-op shutdown.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	otel.SetErrorHandler(otelErrorHandler{})
	otel.SetTextMapPropagator(propagation.TraceContext{})

	if cfg.Endpoint == "" {
		slog.Debug("tracing disabled, no otlp endpoint")
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithHTTPClient(&http.Client{
			Transport: &loggingTransport{inner: http.DefaultTransport},
		}),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if cfg.URLPath != "" {
		opts = append(opts, otlptracehttp.WithURLPath(cfg.URLPath))
	}
	if cfg.APIKey != "" {
		opts = append(opts, otlptracehttp.WithHeaders(map[string]string{
			"Authorization": "Bearer " + cfg.APIKey,
		}))
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, err
	}

	name := cfg.ServiceName
	if name == "" {
		name = instrumentationName
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	slog.Debug("tracing enabled", "endpoint", cfg.Endpoint, "url_path", cfg.URLPath, "service", name)
	return tp.Shutdown, nil
}

// loggingTransport logs exporter round-trips at debug level.
type loggingTransport struct {
	inner http.RoundTripper
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(req)
	if err != nil {
		slog.Warn("otlp export request failed", "url", req.URL.String(), "error", err)
		return resp, err
	}
	slog.Debug("otlp export", "status", resp.StatusCode, "bytes", req.ContentLength)
	return resp, nil
}

func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
