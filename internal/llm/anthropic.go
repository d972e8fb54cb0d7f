package llm

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const anthropicDefaultMaxTokens = 8192

// AnthropicClient streams from the Anthropic Messages API. Tool calls arrive
// as content blocks; the block index is used as the stream index.
type AnthropicClient struct {
	client *anthropic.Client
	name   string
	model  string
}

func NewAnthropic(name, baseURL, apiKey, model string) *AnthropicClient {
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
	client := anthropic.NewClient(opts...)
	return &AnthropicClient{client: &client, name: name, model: model}
}

func (a *AnthropicClient) StreamCompletion(ctx context.Context, req Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = a.model
	}
	maxTokens := int64(anthropicDefaultMaxTokens)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	system, messages := anthropicMessages(req.SystemPrompt, req.Messages)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		System:    system,
		Messages:  messages,
		Tools:     anthropicTools(req.Tools),
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}

	sdkStream := a.client.Messages.NewStreaming(ctx, params)
	if err := sdkStream.Err(); err != nil {
		sdkStream.Close()
		return nil, wrapError(a.name, err)
	}

	out := newStream(ctx)
	go func() {
		defer close(out.ch)
		defer sdkStream.Close()

		var usage Usage
		for sdkStream.Next() {
			event := sdkStream.Current()

			switch event.Type {
			case "message_start":
				usage.InputTokens = event.Message.Usage.InputTokens
			case "content_block_start":
				block := event.ContentBlock
				switch block.Type {
				case "tool_use":
					d := ToolCallDelta{Index: int(event.Index), ID: block.ID, Name: block.Name}
					if !out.toolDelta(d) {
						return
					}
				case "text":
					if !out.text(block.Text) {
						return
					}
				}
			case "content_block_delta":
				switch event.Delta.Type {
				case "text_delta":
					if !out.text(event.Delta.Text) {
						return
					}
				case "input_json_delta":
					d := ToolCallDelta{Index: int(event.Index), ArgsFragment: event.Delta.PartialJSON}
					if !out.toolDelta(d) {
						return
					}
				}
			case "message_delta":
				if event.Usage.OutputTokens > 0 {
					usage.OutputTokens = event.Usage.OutputTokens
				}
			case "message_stop":
				if !out.usage(usage) {
					return
				}
				out.done()
				return
			}
		}

		if ctx.Err() != nil {
			return
		}
		if err := sdkStream.Err(); err != nil {
			out.fail(wrapError(a.name, err))
			return
		}
		out.fail(protocolError(a.name, "stream ended before message_stop"))
	}()

	return out.ch, nil
}

// anthropicMessages splits system text out of the history and folds
// consecutive tool results into a single user turn.
func anthropicMessages(systemPrompt string, msgs []Message) ([]anthropic.TextBlockParam, []anthropic.MessageParam) {
	var system []anthropic.TextBlockParam
	if systemPrompt != "" {
		system = append(system, anthropic.TextBlockParam{Text: systemPrompt})
	}

	var out []anthropic.MessageParam
	var pending []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(pending) > 0 {
			out = append(out, anthropic.NewUserMessage(pending...))
			pending = nil
		}
	}

	for _, m := range msgs {
		if m.Role == RoleTool {
			pending = append(pending, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
			continue
		}
		flush()
		switch m.Role {
		case RoleSystem:
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case RoleUser:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if m.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(m.Content))
			}
			for _, tc := range m.ToolCalls {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, toolInput(tc.Arguments), tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		}
	}
	flush()
	return system, out
}

// toolInput echoes the model's own arguments back. Unparseable arguments are
// replaced with an empty object so the request stays valid JSON.
func toolInput(raw string) any {
	if raw == "" || !json.Valid([]byte(raw)) {
		return map[string]any{}
	}
	return json.RawMessage(raw)
}

func anthropicTools(defs []ToolDefinition) []anthropic.ToolUnionParam {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		schema := anthropic.ToolInputSchemaParam{Properties: d.Parameters["properties"]}
		if req, ok := d.Parameters["required"].([]string); ok {
			schema.Required = req
		} else if req, ok := d.Parameters["required"].([]any); ok {
			for _, r := range req {
				if s, ok := r.(string); ok {
					schema.Required = append(schema.Required, s)
				}
			}
		}
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        d.Name,
				Description: anthropic.String(d.Description),
				InputSchema: schema,
			},
		})
	}
	return tools
}
