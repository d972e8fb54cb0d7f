package db

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

type Session struct {
	ID          string
	Channel     string
	Summary     string
	SummaryUpTo int64
	CreatedAt   int64
	UpdatedAt   int64
}

type Message struct {
	ID         int64
	SessionID  string
	Seq        int64
	Role       string
	Content    string
	ToolCalls  string
	ToolCallID string
	Name       string
	CreatedAt  int64
}

type UpsertSessionParams struct {
	ID      string
	Channel string
	Now     int64
}

const upsertSession = `
INSERT INTO sessions (id, channel, created_at, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET updated_at = excluded.updated_at`

func (q *Queries) UpsertSession(ctx context.Context, arg UpsertSessionParams) error {
	_, err := q.db.ExecContext(ctx, upsertSession, arg.ID, arg.Channel, arg.Now, arg.Now)
	return err
}

const getSession = `
SELECT id, channel, summary, summary_upto, created_at, updated_at FROM sessions WHERE id = ?`

func (q *Queries) GetSession(ctx context.Context, id string) (Session, error) {
	var s Session
	err := q.db.QueryRowContext(ctx, getSession, id).Scan(
		&s.ID, &s.Channel, &s.Summary, &s.SummaryUpTo, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

type UpdateSessionSummaryParams struct {
	ID      string
	Summary string
	UpTo    int64
}

const updateSessionSummary = `UPDATE sessions SET summary = ?, summary_upto = ? WHERE id = ?`

func (q *Queries) UpdateSessionSummary(ctx context.Context, arg UpdateSessionSummaryParams) error {
	_, err := q.db.ExecContext(ctx, updateSessionSummary, arg.Summary, arg.UpTo, arg.ID)
	return err
}

const nextSeq = `SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`

func (q *Queries) NextSeq(ctx context.Context, sessionID string) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, nextSeq, sessionID).Scan(&n)
	return n, err
}

type InsertMessageParams struct {
	SessionID  string
	Seq        int64
	Role       string
	Content    string
	ToolCalls  string
	ToolCallID string
	Name       string
	CreatedAt  int64
}

const insertMessage = `
INSERT INTO messages (session_id, seq, role, content, tool_calls, tool_call_id, name, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

func (q *Queries) InsertMessage(ctx context.Context, arg InsertMessageParams) error {
	_, err := q.db.ExecContext(ctx, insertMessage,
		arg.SessionID, arg.Seq, arg.Role, arg.Content, arg.ToolCalls, arg.ToolCallID, arg.Name, arg.CreatedAt)
	return err
}

const listMessages = `
SELECT id, session_id, seq, role, content, tool_calls, tool_call_id, name, created_at
FROM messages WHERE session_id = ? AND seq > ? ORDER BY seq`

// ListMessages returns the session's messages with seq greater than after.
func (q *Queries) ListMessages(ctx context.Context, sessionID string, after int64) ([]Message, error) {
	rows, err := q.db.QueryContext(ctx, listMessages, sessionID, after)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Seq, &m.Role, &m.Content,
			&m.ToolCalls, &m.ToolCallID, &m.Name, &m.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

const (
	deleteMessages = `DELETE FROM messages WHERE session_id = ?`
	deleteSession  = `DELETE FROM sessions WHERE id = ?`
)

func (q *Queries) DeleteSession(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, deleteMessages, id); err != nil {
		return err
	}
	_, err := q.db.ExecContext(ctx, deleteSession, id)
	return err
}
