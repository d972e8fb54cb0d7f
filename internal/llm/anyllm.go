package llm

import (
	"context"
	"fmt"
	"strings"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
)

// AnyLLMClient adapts the any-llm-go backends that have no first-party SDK
// client here. With singleShot set, a request that offers tools is served by
// one non-streaming completion and replayed as a synthetic stream; local
// servers such as Ollama only return tool calls reliably that way.
type AnyLLMClient struct {
	backend    anyllmlib.Provider
	name       string
	model      string
	singleShot bool
}

func NewAnyLLM(name, kind, baseURL, apiKey, model string, singleShot bool) (*AnyLLMClient, error) {
	var opts []anyllmlib.Option
	if apiKey != "" {
		opts = append(opts, anyllmlib.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, anyllmlib.WithBaseURL(baseURL))
	}

	var (
		backend anyllmlib.Provider
		err     error
	)
	switch strings.ToLower(kind) {
	case "gemini":
		backend, err = gemini.New(opts...)
	case "ollama":
		backend, err = ollama.New(opts...)
	case "deepseek":
		backend, err = deepseek.New(opts...)
	case "mistral":
		backend, err = mistral.New(opts...)
	case "llamacpp":
		backend, err = llamacpp.New(opts...)
	case "llamafile":
		backend, err = llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("anyllm: unsupported backend %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", kind, err)
	}
	return &AnyLLMClient{backend: backend, name: name, model: model, singleShot: singleShot}, nil
}

func (a *AnyLLMClient) StreamCompletion(ctx context.Context, req Request) (<-chan Event, error) {
	params := a.params(req)
	if a.singleShot && len(req.Tools) > 0 {
		return a.complete(ctx, params)
	}

	chunks, errs := a.backend.CompletionStream(ctx, params)

	out := newStream(ctx)
	go func() {
		defer close(out.ch)

		// Backends do not all report a per-call index, so a new call is
		// recognised by a fresh id.
		slot := -1
		lastID := ""
		finished := false

		for chunk := range chunks {
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if !out.text(choice.Delta.Content) {
				return
			}
			for _, tc := range choice.Delta.ToolCalls {
				if (tc.ID != "" && tc.ID != lastID) || slot < 0 {
					slot++
					lastID = tc.ID
				}
				d := ToolCallDelta{
					Index:        slot,
					ID:           tc.ID,
					Name:         tc.Function.Name,
					ArgsFragment: tc.Function.Arguments,
				}
				if !out.toolDelta(d) {
					return
				}
			}
			if choice.FinishReason != "" {
				finished = true
			}
		}

		var err error
		select {
		case err = <-errs:
		case <-ctx.Done():
			return
		}
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			out.fail(wrapError(a.name, err))
			return
		}
		if !finished {
			out.fail(protocolError(a.name, "stream ended without a finish reason"))
			return
		}
		out.done()
	}()

	return out.ch, nil
}

// complete performs a blocking completion and replays it as stream events.
func (a *AnyLLMClient) complete(ctx context.Context, params anyllmlib.CompletionParams) (<-chan Event, error) {
	resp, err := a.backend.Completion(ctx, params)
	if err != nil {
		return nil, wrapError(a.name, err)
	}
	if len(resp.Choices) == 0 {
		return nil, protocolError(a.name, "empty choices in response")
	}

	out := newStream(ctx)
	go func() {
		defer close(out.ch)

		msg := resp.Choices[0].Message
		if !out.text(msg.ContentString()) {
			return
		}
		for i, tc := range msg.ToolCalls {
			id := tc.ID
			if id == "" {
				id = fmt.Sprintf("%s_tool_%d", a.name, i)
			}
			d := ToolCallDelta{Index: i, ID: id, Name: tc.Function.Name, ArgsFragment: tc.Function.Arguments}
			if !out.toolDelta(d) {
				return
			}
		}
		if resp.Usage != nil {
			u := Usage{InputTokens: int64(resp.Usage.PromptTokens), OutputTokens: int64(resp.Usage.CompletionTokens)}
			if !out.usage(u) {
				return
			}
		}
		out.done()
	}()

	return out.ch, nil
}

func (a *AnyLLMClient) params(req Request) anyllmlib.CompletionParams {
	model := req.Model
	if model == "" {
		model = a.model
	}

	var messages []anyllmlib.Message
	if req.SystemPrompt != "" {
		messages = append(messages, anyllmlib.Message{Role: anyllmlib.RoleSystem, Content: req.SystemPrompt})
	}
	for _, m := range req.Messages {
		msg := anyllmlib.Message{
			Role:       string(m.Role),
			Content:    m.Content,
			Name:       m.Name,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: anyllmlib.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		messages = append(messages, msg)
	}

	params := anyllmlib.CompletionParams{Model: model, Messages: messages}
	if req.Temperature != nil {
		t := *req.Temperature
		params.Temperature = &t
	}
	if req.MaxTokens > 0 {
		mt := req.MaxTokens
		params.MaxTokens = &mt
	}
	for _, d := range req.Tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        d.Name,
				Description: d.Description,
				Parameters:  d.Parameters,
			},
		})
	}
	return params
}
