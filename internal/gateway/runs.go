package gateway

import (
	"context"
	"sync"
	"time"

	"quill/internal/agent"
)

type activeRun struct {
	id        string
	sessionID string
	kind      string
	started   time.Time
	cancel    context.CancelFunc
	approvals *pendingApprovals
	policy    *agent.Policy
}

// runTable tracks in-flight runs. A session runs at most one loop at a time
// so its conversation is never appended to concurrently.
type runTable struct {
	mu       sync.Mutex
	runs     map[string]*activeRun
	sessions map[string]string
}

func newRunTable() *runTable {
	return &runTable{runs: make(map[string]*activeRun), sessions: make(map[string]string)}
}

func (t *runTable) add(r *activeRun) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r.sessionID != "" {
		if _, busy := t.sessions[r.sessionID]; busy {
			return false
		}
		t.sessions[r.sessionID] = r.id
	}
	t.runs[r.id] = r
	return true
}

func (t *runTable) remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.runs[id]; ok {
		delete(t.sessions, r.sessionID)
		delete(t.runs, id)
	}
}

func (t *runTable) get(id string) (*activeRun, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[id]
	return r, ok
}

type runInfo struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	Started   time.Time `json:"started"`
}

func (t *runTable) list() []runInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]runInfo, 0, len(t.runs))
	for _, r := range t.runs {
		out = append(out, runInfo{ID: r.id, SessionID: r.sessionID, Kind: r.kind, Started: r.started})
	}
	return out
}
