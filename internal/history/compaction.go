package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"quill/internal/db"
	"quill/internal/llm"
	"quill/internal/router"
)

const summarizePrompt = "Summarize the following conversation concisely, preserving key facts, " +
	"decisions, file paths and context needed for continuity. Output only the summary, no preamble."

// maxToolOutput bounds how much of each tool reply goes into the summary
// request.
const maxToolOutput = 500

type CompactionConfig struct {
	// Threshold is the number of unsummarized messages that triggers a
	// compaction.
	Threshold int
	// KeepRecent is how many of the latest messages stay verbatim. The cut
	// moves back to a user message so tool calls and their replies are
	// never split.
	KeepRecent int
}

// Compactor folds older session messages into a running summary so long
// sessions fit the model's context window. The transcript itself is kept.
type Compactor struct {
	store  *Store
	client llm.Client
	route  router.Route
	cfg    CompactionConfig
}

func NewCompactor(store *Store, client llm.Client, route router.Route, cfg CompactionConfig) *Compactor {
	return &Compactor{store: store, client: client, route: route, cfg: cfg}
}

// MaybeCompact summarizes the session when it has grown past the threshold.
// It reports whether a new summary was written.
func (c *Compactor) MaybeCompact(ctx context.Context, sessionID string) (bool, error) {
	session, err := c.store.q.GetSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrSessionNotFound
	}
	if err != nil {
		return false, err
	}

	seqs, msgs, err := c.store.messagesAfter(ctx, sessionID, session.SummaryUpTo)
	if err != nil {
		return false, err
	}
	if len(msgs) < c.cfg.Threshold {
		return false, nil
	}

	cut := cutPoint(msgs, c.cfg.KeepRecent)
	if cut == 0 {
		slog.Debug("compaction: no safe cut point", "session_id", sessionID, "messages", len(msgs))
		return false, nil
	}

	summary, err := c.summarize(ctx, session.Summary, msgs[:cut])
	if err != nil {
		return false, fmt.Errorf("compaction: %w", err)
	}
	upTo := seqs[cut-1]
	if err := c.store.q.UpdateSessionSummary(ctx, db.UpdateSessionSummaryParams{
		ID:      sessionID,
		Summary: summary,
		UpTo:    upTo,
	}); err != nil {
		return false, fmt.Errorf("compaction: saving summary: %w", err)
	}

	slog.Info("compaction: summarized messages",
		"session_id", sessionID,
		"messages_summarized", cut,
		"cutoff_seq", upTo,
	)
	return true, nil
}

// cutPoint returns how many leading messages to summarize: the last user
// message at or before len(msgs)-keep.
func cutPoint(msgs []llm.Message, keep int) int {
	for i := len(msgs) - keep; i > 0; i-- {
		if i < len(msgs) && msgs[i].Role == llm.RoleUser {
			return i
		}
	}
	return 0
}

func (c *Compactor) summarize(ctx context.Context, previous string, msgs []llm.Message) (string, error) {
	var b strings.Builder
	if previous != "" {
		fmt.Fprintf(&b, "Previous summary:\n%s\n\n", previous)
	}
	b.WriteString("New messages to incorporate:\n")
	for _, m := range msgs {
		switch m.Role {
		case llm.RoleUser:
			fmt.Fprintf(&b, "User: %s\n", m.Content)
		case llm.RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(&b, "Assistant: %s\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				fmt.Fprintf(&b, "Assistant called %s %s\n", tc.Name, tc.Arguments)
			}
		case llm.RoleTool:
			out := m.Content
			if len(out) > maxToolOutput {
				out = out[:maxToolOutput] + "..."
			}
			fmt.Fprintf(&b, "Tool %s returned: %s\n", m.Name, out)
		}
	}

	stream, err := c.client.StreamCompletion(ctx, llm.Request{
		Model:        c.route.Model,
		SystemPrompt: summarizePrompt,
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: b.String()}},
		Temperature:  c.route.Params.Temperature,
		MaxTokens:    c.route.Params.MaxTokens,
	})
	if err != nil {
		return "", err
	}

	var summary strings.Builder
	for ev := range stream {
		switch ev.Kind {
		case llm.EventTextDelta:
			summary.WriteString(ev.Text)
		case llm.EventError:
			return "", ev.Err
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	out := strings.TrimSpace(summary.String())
	if out == "" {
		return "", errors.New("empty summary")
	}
	return out, nil
}
