package agent

import (
	"context"
	"log/slog"

	"quill/internal/trace"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const maxSpanInput = 512

type tracedTool struct {
	Tool
}

func withTrace(t Tool) Tool {
	return &tracedTool{Tool: t}
}

func unwrapTool(t Tool) Tool {
	if tt, ok := t.(*tracedTool); ok {
		return tt.Tool
	}
	return t
}

func (t *tracedTool) Execute(ctx context.Context, input string) (string, error) {
	logged := input
	if len(logged) > maxSpanInput {
		logged = logged[:maxSpanInput]
	}
	ctx, span := trace.Tracer().Start(ctx, "tool."+t.Name(),
		oteltrace.WithAttributes(
			attribute.String("gen_ai.operation.name", "execute_tool"),
			attribute.String("gen_ai.tool.name", t.Name()),
			attribute.String("gen_ai.tool.input", logged),
			attribute.String("quill.run_id", RunIDFromContext(ctx)),
		),
	)
	defer span.End()

	slog.Debug("tool started", "tool", t.Name(), "run_id", RunIDFromContext(ctx), "trace_id", span.SpanContext().TraceID())

	result, err := t.Tool.Execute(ctx, input)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return result, err
	}

	span.SetAttributes(attribute.Int("gen_ai.tool.output_length", len(result)))
	return result, nil
}
