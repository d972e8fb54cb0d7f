package gateway

import (
	"context"
	"errors"
	"sync"

	"quill/internal/agent"
)

var (
	ErrUnknownCall     = errors.New("no pending approval for this call")
	ErrAlreadyResolved = errors.New("approval already resolved")
)

// pendingApprovals is an agent.Prompter answered over HTTP. A slot is opened
// when the approval_requested event is streamed, so a client can only answer
// calls it has been told about.
type pendingApprovals struct {
	mu    sync.Mutex
	slots map[string]chan agent.Decision
}

func newPendingApprovals() *pendingApprovals {
	return &pendingApprovals{slots: make(map[string]chan agent.Decision)}
}

func (p *pendingApprovals) expect(callID string) chan agent.Decision {
	p.mu.Lock()
	defer p.mu.Unlock()
	ch, ok := p.slots[callID]
	if !ok {
		ch = make(chan agent.Decision, 1)
		p.slots[callID] = ch
	}
	return ch
}

func (p *pendingApprovals) Prompt(ctx context.Context, req agent.ToolCallRequest, prompt string) (agent.Decision, error) {
	ch := p.expect(req.ID)
	defer func() {
		p.mu.Lock()
		delete(p.slots, req.ID)
		p.mu.Unlock()
	}()

	select {
	case d := <-ch:
		return d, nil
	case <-ctx.Done():
		return agent.Decision{}, ctx.Err()
	}
}

func (p *pendingApprovals) Resolve(callID string, d agent.Decision) error {
	p.mu.Lock()
	ch, ok := p.slots[callID]
	p.mu.Unlock()
	if !ok {
		return ErrUnknownCall
	}
	select {
	case ch <- d:
		return nil
	default:
		return ErrAlreadyResolved
	}
}
