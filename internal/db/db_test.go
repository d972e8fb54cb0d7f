package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestMigrateIsIdempotent(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "nested", "quill.db"), Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	for i := 0; i < 2; i++ {
		if err := d.Migrate(); err != nil {
			t.Fatalf("Migrate #%d: %v", i+1, err)
		}
	}

	ctx := context.Background()
	q := New(d.Conn())
	if err := q.UpsertSession(ctx, UpsertSessionParams{ID: "s", Channel: "cli", Now: 1}); err != nil {
		t.Fatal(err)
	}
	if err := q.UpsertSession(ctx, UpsertSessionParams{ID: "s", Channel: "ignored", Now: 2}); err != nil {
		t.Fatal(err)
	}
	s, err := q.GetSession(ctx, "s")
	if err != nil {
		t.Fatal(err)
	}
	if s.Channel != "cli" || s.CreatedAt != 1 || s.UpdatedAt != 2 {
		t.Errorf("session = %+v", s)
	}

	if n, _ := q.NextSeq(ctx, "s"); n != 1 {
		t.Errorf("NextSeq on empty session = %d", n)
	}
	q.InsertMessage(ctx, InsertMessageParams{SessionID: "s", Seq: 1, Role: "user", Content: "hi"})
	if n, _ := q.NextSeq(ctx, "s"); n != 2 {
		t.Errorf("NextSeq = %d", n)
	}
	if err := q.InsertMessage(ctx, InsertMessageParams{SessionID: "s", Seq: 1, Role: "user"}); err == nil {
		t.Error("duplicate seq accepted")
	}
}

func TestOpen_Options(t *testing.T) {
	d, err := Open(filepath.Join(t.TempDir(), "quill.db"), Options{JournalMode: "delete", BusyTimeout: 250 * time.Millisecond})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()

	var mode string
	var busy int
	if err := d.Conn().QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if err := d.Conn().QueryRow("PRAGMA busy_timeout").Scan(&busy); err != nil {
		t.Fatal(err)
	}
	if mode != "delete" || busy != 250 {
		t.Errorf("journal_mode=%s busy_timeout=%d", mode, busy)
	}

	if _, err := Open(filepath.Join(t.TempDir(), "x.db"), Options{JournalMode: "fast"}); err == nil {
		t.Error("expected an error for an unknown journal mode")
	}
}

func TestOpen_Memory(t *testing.T) {
	d, err := Open(Memory, Options{})
	if err != nil {
		t.Fatal(err)
	}
	defer d.Close()
	if err := d.Migrate(); err != nil {
		t.Fatal(err)
	}
	q := New(d.Conn())
	if err := q.UpsertSession(context.Background(), UpsertSessionParams{ID: "s", Channel: "cli", Now: 1}); err != nil {
		t.Fatal(err)
	}
	if _, err := q.GetSession(context.Background(), "s"); err != nil {
		t.Errorf("session lost between statements: %v", err)
	}
}
