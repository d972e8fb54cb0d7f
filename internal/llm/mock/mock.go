// Package mock provides a scripted llm.Client for tests.
package mock

import (
	"context"
	"errors"
	"sync"

	"quill/internal/llm"
)

// Response scripts one StreamCompletion call.
type Response struct {
	// Err is returned from StreamCompletion before any stream is opened.
	Err error
	// Events are sent in order on the stream.
	Events []llm.Event
	// Hang keeps the stream open after Events until ctx is cancelled.
	Hang bool
}

// Client replays Responses in order and records every request it receives.
type Client struct {
	mu        sync.Mutex
	responses []Response
	calls     []llm.Request
}

func New(responses ...Response) *Client {
	return &Client{responses: responses}
}

// ErrExhausted is reported when more requests arrive than were scripted.
var ErrExhausted = errors.New("mock: no scripted response left")

func (c *Client) StreamCompletion(ctx context.Context, req llm.Request) (<-chan llm.Event, error) {
	c.mu.Lock()
	req.Messages = append([]llm.Message(nil), req.Messages...)
	c.calls = append(c.calls, req)
	if len(c.responses) == 0 {
		c.mu.Unlock()
		return nil, &llm.ProviderError{Provider: "mock", Err: ErrExhausted}
	}
	resp := c.responses[0]
	c.responses = c.responses[1:]
	c.mu.Unlock()

	if resp.Err != nil {
		return nil, resp.Err
	}

	ch := make(chan llm.Event)
	go func() {
		defer close(ch)
		for _, ev := range resp.Events {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if resp.Hang {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// Calls returns a copy of the requests seen so far.
func (c *Client) Calls() []llm.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]llm.Request(nil), c.calls...)
}

func Text(s string) llm.Event {
	return llm.Event{Kind: llm.EventTextDelta, Text: s}
}

// ToolStart opens a tool call at index with id and name.
func ToolStart(index int, id, name string) llm.Event {
	return llm.Event{Kind: llm.EventToolCallDelta, ToolCall: llm.ToolCallDelta{Index: index, ID: id, Name: name}}
}

func Args(index int, fragment string) llm.Event {
	return llm.Event{Kind: llm.EventToolCallDelta, ToolCall: llm.ToolCallDelta{Index: index, ArgsFragment: fragment}}
}

func Usage(in, out int64) llm.Event {
	return llm.Event{Kind: llm.EventUsage, Usage: llm.Usage{InputTokens: in, OutputTokens: out}}
}

func Done() llm.Event {
	return llm.Event{Kind: llm.EventDone}
}

func Fail(err error) llm.Event {
	return llm.Event{Kind: llm.EventError, Err: err}
}

// Reply scripts a plain text answer.
func Reply(text string) Response {
	return Response{Events: []llm.Event{Text(text), Done()}}
}

// Call scripts a single complete tool call with the given arguments.
func Call(id, name, args string) Response {
	return Response{Events: []llm.Event{ToolStart(0, id, name), Args(0, args), Done()}}
}
