package db

import (
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

// Memory opens a private in-memory database.
const Memory = ":memory:"

type DB struct {
	conn *sql.DB
}

type Options struct {
	// JournalMode is the SQLite journal mode; WAL when empty.
	JournalMode string
	// BusyTimeout bounds how long a write waits on a locked database.
	BusyTimeout time.Duration
}

var journalModes = map[string]bool{
	"WAL": true, "DELETE": true, "TRUNCATE": true, "PERSIST": true, "MEMORY": true, "OFF": true,
}

func (o Options) pragmas() ([]string, error) {
	mode := strings.ToUpper(o.JournalMode)
	if mode == "" {
		mode = "WAL"
	}
	if !journalModes[mode] {
		return nil, fmt.Errorf("db: unknown journal mode %q", o.JournalMode)
	}
	busy := o.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	return []string{
		"PRAGMA journal_mode=" + mode,
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA busy_timeout=%d", busy.Milliseconds()),
	}, nil
}

// Open opens the session database at path, creating parent directories.
// A leading ~/ is expanded to the home directory.
func Open(path string, opts Options) (*DB, error) {
	pragmas, err := opts.pragmas()
	if err != nil {
		return nil, err
	}

	if path != Memory {
		if strings.HasPrefix(path, "~/") {
			home, err := os.UserHomeDir()
			if err != nil {
				return nil, err
			}
			path = filepath.Join(home, path[2:])
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// Pragmas and :memory: databases are per connection.
	conn.SetMaxOpenConns(1)

	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("db: %s: %w", pragma, err)
		}
	}

	return &DB{conn: conn}, nil
}

func (d *DB) Migrate() error {
	_, err := d.conn.Exec(schema)
	return err
}

func (d *DB) Conn() *sql.DB {
	return d.conn
}

func (d *DB) Close() error {
	return d.conn.Close()
}
