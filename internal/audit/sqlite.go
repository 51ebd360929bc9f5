package audit

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/n-kumar7/sqlagent/internal/shared"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS generated_queries (
	message_id TEXT PRIMARY KEY,
	seq INTEGER NOT NULL,
	source TEXT NOT NULL,
	sql_text TEXT NOT NULL,
	comment TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS query_outcomes (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	source TEXT NOT NULL,
	success INTEGER NOT NULL,
	kind TEXT NOT NULL DEFAULT '',
	latency_ms INTEGER NOT NULL,
	rows_affected INTEGER NOT NULL,
	error TEXT NOT NULL DEFAULT '',
	finished_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_query_outcomes_message ON query_outcomes(message_id);
CREATE TABLE IF NOT EXISTS dropped_queries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL,
	source TEXT NOT NULL,
	reason TEXT NOT NULL,
	dropped_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS audit_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	reason TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	at DATETIME NOT NULL
);
`

// SQLite stores the audit trail in a local database so a run can be
// inspected with plain SQL afterwards.
type SQLite struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit db directory: %w", err)
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init audit schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}

func (s *SQLite) RecordGenerated(ctx context.Context, g Generated) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO generated_queries (message_id, seq, source, sql_text, comment, created_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, g.MessageID, g.Seq, g.Source, g.SQL, g.Comment, g.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert generated query: %w", err)
	}
	return nil
}

func (s *SQLite) RecordOutcome(ctx context.Context, o Outcome) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO query_outcomes (message_id, source, success, kind, latency_ms, rows_affected, error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, o.MessageID, o.Source, o.Success, o.Kind, o.LatencyMs, o.RowsAffected, shared.Redact(o.Error), o.FinishedAt.UTC())
	if err != nil {
		return fmt.Errorf("insert query outcome: %w", err)
	}
	return nil
}

func (s *SQLite) RecordDropped(ctx context.Context, d Dropped) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dropped_queries (message_id, source, reason, dropped_at)
		VALUES (?, ?, ?, ?);
	`, d.MessageID, d.Source, d.Reason, d.At.UTC())
	if err != nil {
		return fmt.Errorf("insert dropped query: %w", err)
	}
	return nil
}

func (s *SQLite) RecordEvent(ctx context.Context, e Event) error {
	at := e.At
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_events (kind, reason, subject, at) VALUES (?, ?, ?, ?);
	`, e.Kind, shared.Redact(e.Reason), shared.Redact(e.Subject), at.UTC())
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
