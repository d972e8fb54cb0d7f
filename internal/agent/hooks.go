package agent

import (
	"context"
	"time"
)

// Hooks let a caller wrap each suspension point of a run, usually to impose
// a timeout. Each hook returns the context to use for that step and a cancel
// func the loop calls when the step ends. A BeforeRequest error fails the
// request like a provider error, a BeforeApproval error denies the call, and
// a BeforeExecute error fails the call without running it.
type Hooks struct {
	BeforeRequest  func(ctx context.Context, iteration int) (context.Context, context.CancelFunc, error)
	BeforeApproval func(ctx context.Context, req ToolCallRequest) (context.Context, context.CancelFunc, error)
	BeforeExecute  func(ctx context.Context, req ToolCallRequest) (context.Context, context.CancelFunc, error)
}

func noop() {}

func (h Hooks) request(ctx context.Context, iteration int) (context.Context, context.CancelFunc, error) {
	if h.BeforeRequest == nil {
		return ctx, noop, nil
	}
	return h.BeforeRequest(ctx, iteration)
}

func (h Hooks) approval(ctx context.Context, req ToolCallRequest) (context.Context, context.CancelFunc, error) {
	if h.BeforeApproval == nil {
		return ctx, noop, nil
	}
	return h.BeforeApproval(ctx, req)
}

func (h Hooks) execute(ctx context.Context, req ToolCallRequest) (context.Context, context.CancelFunc, error) {
	if h.BeforeExecute == nil {
		return ctx, noop, nil
	}
	return h.BeforeExecute(ctx, req)
}

// RequestTimeout bounds each model request by d.
func RequestTimeout(d time.Duration) func(context.Context, int) (context.Context, context.CancelFunc, error) {
	return func(ctx context.Context, _ int) (context.Context, context.CancelFunc, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		return ctx, cancel, nil
	}
}

// CallTimeout bounds an approval wait or a tool execution by d.
func CallTimeout(d time.Duration) func(context.Context, ToolCallRequest) (context.Context, context.CancelFunc, error) {
	return func(ctx context.Context, _ ToolCallRequest) (context.Context, context.CancelFunc, error) {
		ctx, cancel := context.WithTimeout(ctx, d)
		return ctx, cancel, nil
	}
}
