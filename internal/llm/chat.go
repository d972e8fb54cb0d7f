package llm

import (
	"context"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
)

// ChatClient streams from any OpenAI-compatible chat completions endpoint
// (Groq, OpenRouter, Together, LM Studio and similar).
type ChatClient struct {
	client *openai.Client
	name   string
	model  string
}

func NewChat(name, baseURL, apiKey, model string) *ChatClient {
	client := openai.NewClient(openAIOptions(baseURL, apiKey)...)
	return &ChatClient{client: &client, name: name, model: model}
}

func (c *ChatClient) StreamCompletion(ctx context.Context, req Request) (<-chan Event, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: chatMessages(req.SystemPrompt, req.Messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	for _, d := range req.Tools {
		params.Tools = append(params.Tools, openai.ChatCompletionFunctionTool(shared.FunctionDefinitionParam{
			Name:        d.Name,
			Description: openai.String(d.Description),
			Parameters:  shared.FunctionParameters(d.Parameters),
		}))
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}

	sdkStream := c.client.Chat.Completions.NewStreaming(ctx, params)
	if err := sdkStream.Err(); err != nil {
		sdkStream.Close()
		return nil, wrapError(c.name, err)
	}

	out := newStream(ctx)
	go func() {
		defer close(out.ch)
		defer sdkStream.Close()

		finished := false
		for sdkStream.Next() {
			chunk := sdkStream.Current()

			if chunk.Usage.TotalTokens > 0 {
				u := Usage{InputTokens: chunk.Usage.PromptTokens, OutputTokens: chunk.Usage.CompletionTokens}
				if !out.usage(u) {
					return
				}
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]
			if !out.text(choice.Delta.Content) {
				return
			}
			for _, tc := range choice.Delta.ToolCalls {
				d := ToolCallDelta{
					Index:        int(tc.Index),
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

		if ctx.Err() != nil {
			return
		}
		if err := sdkStream.Err(); err != nil {
			out.fail(wrapError(c.name, err))
			return
		}
		if !finished {
			out.fail(protocolError(c.name, "stream ended without a finish reason"))
			return
		}
		out.done()
	}()

	return out.ch, nil
}

func chatMessages(system string, msgs []Message) []openai.ChatCompletionMessageParamUnion {
	var out []openai.ChatCompletionMessageParamUnion
	if system != "" {
		out = append(out, openai.SystemMessage(system))
	}
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case RoleAssistant:
			msg := openai.ChatCompletionAssistantMessageParam{}
			if m.Content != "" {
				msg.Content.OfString = openai.String(m.Content)
			}
			for _, tc := range m.ToolCalls {
				msg.ToolCalls = append(msg.ToolCalls, openai.ChatCompletionMessageToolCallUnionParam{
					OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
						ID: tc.ID,
						Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
							Name:      tc.Name,
							Arguments: tc.Arguments,
						},
					},
				})
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &msg})
		case RoleTool:
			out = append(out, openai.ToolMessage(m.Content, m.ToolCallID))
		}
	}
	return out
}
