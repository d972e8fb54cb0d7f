// Package history persists conversations in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"quill/internal/agent"
	"quill/internal/db"
	"quill/internal/llm"
)

var ErrSessionNotFound = errors.New("session not found")

type Store struct {
	conn *sql.DB
	q    *db.Queries
	now  func() time.Time
}

func NewStore(database *db.DB) *Store {
	return &Store{conn: database.Conn(), q: db.New(database.Conn()), now: time.Now}
}

func (s *Store) EnsureSession(ctx context.Context, sessionID, channel string) error {
	return s.q.UpsertSession(ctx, db.UpsertSessionParams{
		ID:      sessionID,
		Channel: channel,
		Now:     s.now().Unix(),
	})
}

// Append stores msgs after the session's existing messages in one
// transaction, creating the session if needed.
func (s *Store) Append(ctx context.Context, sessionID string, msgs ...llm.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	q := s.q.WithTx(tx)
	now := s.now().Unix()
	if err := q.UpsertSession(ctx, db.UpsertSessionParams{ID: sessionID, Now: now}); err != nil {
		return fmt.Errorf("upserting session: %w", err)
	}
	seq, err := q.NextSeq(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("reading sequence: %w", err)
	}

	for i, m := range msgs {
		calls := ""
		if len(m.ToolCalls) > 0 {
			b, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return err
			}
			calls = string(b)
		}
		if err := q.InsertMessage(ctx, db.InsertMessageParams{
			SessionID:  sessionID,
			Seq:        seq + int64(i),
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCalls:  calls,
			ToolCallID: m.ToolCallID,
			Name:       m.Name,
			CreatedAt:  now,
		}); err != nil {
			return fmt.Errorf("inserting message: %w", err)
		}
	}
	return tx.Commit()
}

// Messages returns the full stored transcript in order, including messages
// already folded into a summary. An unknown session has no messages.
func (s *Store) Messages(ctx context.Context, sessionID string) ([]llm.Message, error) {
	_, msgs, err := s.messagesAfter(ctx, sessionID, 0)
	return msgs, err
}

// Context returns what a model should see for the session: the compaction
// summary, if any, as a system message followed by the messages it does not
// cover.
func (s *Store) Context(ctx context.Context, sessionID string) ([]llm.Message, error) {
	row, err := s.q.GetSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	_, msgs, err := s.messagesAfter(ctx, sessionID, row.SummaryUpTo)
	if err != nil || row.Summary == "" {
		return msgs, err
	}
	return append([]llm.Message{summaryMessage(row.Summary)}, msgs...), nil
}

func summaryMessage(summary string) llm.Message {
	return llm.Message{Role: llm.RoleSystem, Content: "## Conversation Summary\n" + summary}
}

// messagesAfter returns the messages with seq greater than after, and their
// sequence numbers. An assistant message whose tool calls cannot be decoded
// is kept as text only, and the tool replies that answered it are dropped, so
// the result always satisfies the tool-reply invariant.
func (s *Store) messagesAfter(ctx context.Context, sessionID string, after int64) ([]int64, []llm.Message, error) {
	rows, err := s.q.ListMessages(ctx, sessionID, after)
	if err != nil {
		return nil, nil, err
	}
	seqs := make([]int64, 0, len(rows))
	msgs := make([]llm.Message, 0, len(rows))
	orphaned := false
	for _, r := range rows {
		m := llm.Message{
			Role:       llm.Role(r.Role),
			Content:    r.Content,
			ToolCallID: r.ToolCallID,
			Name:       r.Name,
		}
		if m.Role == llm.RoleTool && orphaned {
			slog.Warn("dropping tool reply to undecodable call", "session_id", sessionID, "seq", r.Seq, "tool_call_id", r.ToolCallID)
			continue
		}
		orphaned = false
		if r.ToolCalls != "" {
			if err := json.Unmarshal([]byte(r.ToolCalls), &m.ToolCalls); err != nil {
				slog.Warn("dropping invalid tool calls", "session_id", sessionID, "seq", r.Seq, "error", err)
				m.ToolCalls = nil
				orphaned = true
				if m.Content == "" {
					continue
				}
			}
		}
		seqs = append(seqs, r.Seq)
		msgs = append(msgs, m)
	}
	return seqs, msgs, nil
}

type Session struct {
	ID        string        `json:"id"`
	Channel   string        `json:"channel,omitempty"`
	Summary   string        `json:"summary,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
	Messages  []llm.Message `json:"messages"`
}

func (s *Store) Session(ctx context.Context, sessionID string) (*Session, error) {
	row, err := s.q.GetSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	msgs, err := s.Messages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &Session{
		ID:        row.ID,
		Channel:   row.Channel,
		Summary:   row.Summary,
		CreatedAt: time.Unix(row.CreatedAt, 0).UTC(),
		UpdatedAt: time.Unix(row.UpdatedAt, 0).UTC(),
		Messages:  msgs,
	}, nil
}

func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.q.DeleteSession(ctx, sessionID)
}

// Conversation returns the session as an agent.Conversation.
func (s *Store) Conversation(sessionID string) agent.Conversation {
	return &conversation{store: s, id: sessionID}
}

type conversation struct {
	store *Store
	id    string
}

func (c *conversation) Messages(ctx context.Context) ([]llm.Message, error) {
	return c.store.Context(ctx, c.id)
}

func (c *conversation) Append(ctx context.Context, msgs ...llm.Message) error {
	return c.store.Append(ctx, c.id, msgs...)
}
