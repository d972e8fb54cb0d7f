package llm

import (
	"context"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/responses"
	"github.com/openai/openai-go/v3/shared"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// OpenAIClient streams from the OpenAI Responses API.
type OpenAIClient struct {
	client *openai.Client
	name   string
	model  string
}

func NewOpenAI(name, baseURL, apiKey, model string) *OpenAIClient {
	client := openai.NewClient(openAIOptions(baseURL, apiKey)...)
	return &OpenAIClient{client: &client, name: name, model: model}
}

func openAIOptions(baseURL, apiKey string) []option.RequestOption {
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	// The agent loop owns retries.
	opts = append(opts,
		option.WithMaxRetries(0),
		option.WithHTTPClient(&http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
	)
	return opts
}

func (o *OpenAIClient) StreamCompletion(ctx context.Context, req Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = o.model
	}
	params := responses.ResponseNewParams{
		Model: shared.ResponsesModel(model),
		Input: responses.ResponseNewParamsInputUnion{
			OfInputItemList: responsesInput(req.Messages),
		},
		Tools: responsesTools(req.Tools),
	}
	if req.SystemPrompt != "" {
		params.Instructions = openai.String(req.SystemPrompt)
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxOutputTokens = openai.Int(int64(req.MaxTokens))
	}

	sdkStream := o.client.Responses.NewStreaming(ctx, params)
	if err := sdkStream.Err(); err != nil {
		sdkStream.Close()
		return nil, wrapError(o.name, err)
	}

	out := newStream(ctx)
	go func() {
		defer close(out.ch)
		defer sdkStream.Close()

		for sdkStream.Next() {
			event := sdkStream.Current()

			switch event.Type {
			case "response.output_text.delta":
				if !out.text(event.Delta) {
					return
				}
			case "response.output_item.added":
				if event.Item.Type != "function_call" {
					continue
				}
				d := ToolCallDelta{
					Index:        int(event.OutputIndex),
					ID:           event.Item.CallID,
					Name:         event.Item.Name,
					ArgsFragment: event.Item.Arguments,
				}
				if !out.toolDelta(d) {
					return
				}
			case "response.function_call_arguments.delta":
				d := ToolCallDelta{Index: int(event.OutputIndex), ArgsFragment: event.Delta}
				if !out.toolDelta(d) {
					return
				}
			case "response.completed", "response.incomplete":
				u := event.Response.Usage
				if !out.usage(Usage{InputTokens: u.InputTokens, OutputTokens: u.OutputTokens}) {
					return
				}
				out.done()
				return
			case "response.failed":
				out.fail(protocolError(o.name, "response failed: %s", event.Response.Error.Message))
				return
			case "error":
				out.fail(protocolError(o.name, "stream error: %s", event.Message))
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		if err := sdkStream.Err(); err != nil {
			out.fail(wrapError(o.name, err))
			return
		}
		out.fail(protocolError(o.name, "stream ended before completion"))
	}()

	return out.ch, nil
}

func responsesInput(msgs []Message) []responses.ResponseInputItemUnionParam {
	var items []responses.ResponseInputItemUnionParam
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleSystem))
		case RoleUser:
			items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleUser))
		case RoleAssistant:
			if m.Content != "" {
				items = append(items, responses.ResponseInputItemParamOfMessage(m.Content, responses.EasyInputMessageRoleAssistant))
			}
			for _, tc := range m.ToolCalls {
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(tc.Arguments, tc.ID, tc.Name))
			}
		case RoleTool:
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(m.ToolCallID, m.Content))
		}
	}
	return items
}

func responsesTools(defs []ToolDefinition) []responses.ToolUnionParam {
	tools := make([]responses.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, responses.ToolUnionParam{
			OfFunction: &responses.FunctionToolParam{
				Name:        d.Name,
				Description: openai.String(d.Description),
				Parameters:  d.Parameters,
				Strict:      openai.Bool(false),
			},
		})
	}
	return tools
}
