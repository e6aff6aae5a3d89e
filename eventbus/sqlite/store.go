// Package sqlite implements eventbus.LogSink (LogStore) and eventbus.UISink
// (UIStore) against an embedded SQLite database, owning the thread_logs and
// thread_workflow_ui_events tables on the same *sql.DB the checkpoint/sqlite
// and runmgr/sqlite packages share (spec §6).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sopforge/orchestrator/eventbus"
)

// LogStore implements eventbus.LogSink.
type LogStore struct {
	db *sql.DB
}

// UIStore implements eventbus.UISink. Split from LogStore because both
// sink interfaces declare a BatchInsert method with a different signature;
// one receiver type can't implement both.
type UIStore struct {
	db *sql.DB
}

// WrapDB adapts an already-open *sql.DB into a (LogStore, UIStore) pair,
// ensuring this package's tables exist.
func WrapDB(db *sql.DB) (*LogStore, *UIStore, error) {
	if err := ensureSchema(db); err != nil {
		return nil, nil, err
	}
	return &LogStore{db: db}, &UIStore{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS thread_logs (
		thread_id  TEXT NOT NULL,
		text       TEXT NOT NULL,
		level      TEXT NOT NULL,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_thread_logs_thread ON thread_logs (thread_id, created_at);

	CREATE TABLE IF NOT EXISTS thread_workflow_ui_events (
		thread_id         TEXT NOT NULL,
		event_id          TEXT NOT NULL,
		parent_event_id   TEXT,
		phase             TEXT NOT NULL,
		pipeline_step_id  TEXT,
		payload           TEXT,
		created_at        TEXT NOT NULL,
		PRIMARY KEY (thread_id, event_id)
	);
	CREATE INDEX IF NOT EXISTS idx_ui_events_thread ON thread_workflow_ui_events (thread_id, created_at);`
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("eventbus/sqlite: create schema: %w", err)
	}
	return nil
}

// BatchInsert implements eventbus.LogSink.
func (s *LogStore) BatchInsert(ctx context.Context, threadID string, lines []eventbus.LogLine) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventbus/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, line := range lines {
		ts := line.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO thread_logs (thread_id, text, level, created_at) VALUES (?, ?, ?, ?)`,
			threadID, line.Text, line.Level, ts.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("eventbus/sqlite: insert log line: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("eventbus/sqlite: commit tx: %w", err)
	}
	return nil
}

// BatchInsert implements eventbus.UISink.
func (s *UIStore) BatchInsert(ctx context.Context, threadID string, events []eventbus.UIEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("eventbus/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, event := range events {
		var payloadJSON []byte
		if len(event.Payload) > 0 {
			payloadJSON, err = json.Marshal(event.Payload)
			if err != nil {
				return fmt.Errorf("eventbus/sqlite: marshal ui event payload: %w", err)
			}
		}
		createdAt := event.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO thread_workflow_ui_events
				(thread_id, event_id, parent_event_id, phase, pipeline_step_id, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (thread_id, event_id) DO NOTHING`,
			threadID, event.EventID, nullableString(event.ParentEventID), event.Phase,
			nullableString(event.PipelineStepID), nullableBytes(payloadJSON), createdAt.Format(time.RFC3339Nano),
		); err != nil {
			return fmt.Errorf("eventbus/sqlite: insert ui event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("eventbus/sqlite: commit tx: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
