// Package sqlite implements checkpoint.SlowTier against an embedded SQLite
// database (modernc.org/sqlite), the relational store named throughout
// spec §6: run_metadata, checkpoints, checkpoint_blobs, checkpoint_writes,
// thread_logs, thread_workflow_ui_events, dynamic_skills, system_errors.
// This package owns the checkpoints/checkpoint_blobs/checkpoint_writes/
// system_errors tables;
// sibling packages (runmgr, eventbus) own the others against the same
// *sql.DB.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/sopforge/orchestrator/checkpoint"
)

// Store implements checkpoint.SlowTier.
type Store struct {
	mu sync.Mutex // serializes the batch-flush transaction per call
	db *sql.DB
}

// Open opens (or creates) a SQLite database at path ("" or ":memory:" for
// in-memory) and ensures the checkpoint schema exists.
func Open(path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint/sqlite: open %q: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("checkpoint/sqlite: set WAL mode: %w", err)
	}
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// WrapDB adapts an already-open *sql.DB (e.g. shared with package runmgr or
// eventbus) into a checkpoint.SlowTier, ensuring this package's tables
// exist without re-running PRAGMA setup.
func WrapDB(db *sql.DB) (*Store, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS checkpoints (
		thread_id             TEXT NOT NULL,
		namespace              TEXT NOT NULL,
		checkpoint_id          TEXT NOT NULL,
		parent_checkpoint_id   TEXT,
		write_ordinal          INTEGER NOT NULL,
		source                 TEXT,
		step                   INTEGER NOT NULL DEFAULT 0,
		metadata_extra         TEXT,
		created_at             TEXT NOT NULL,
		PRIMARY KEY (thread_id, namespace, checkpoint_id)
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_thread_ordinal
		ON checkpoints (thread_id, write_ordinal);

	CREATE TABLE IF NOT EXISTS checkpoint_blobs (
		thread_id     TEXT NOT NULL,
		namespace     TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL,
		state_json    BLOB NOT NULL,
		PRIMARY KEY (thread_id, namespace, checkpoint_id)
	);

	CREATE TABLE IF NOT EXISTS checkpoint_writes (
		thread_id     TEXT NOT NULL,
		checkpoint_id TEXT NOT NULL,
		write_ordinal INTEGER NOT NULL,
		recorded_at   TEXT NOT NULL,
		PRIMARY KEY (thread_id, checkpoint_id)
	);

	CREATE TABLE IF NOT EXISTS system_errors (
		id         TEXT PRIMARY KEY,
		thread_id  TEXT,
		component  TEXT NOT NULL,
		severity   TEXT NOT NULL,
		message    TEXT NOT NULL,
		created_at TEXT NOT NULL
	);`
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("checkpoint/sqlite: create schema: %w", err)
	}
	return nil
}

// BatchInsert idempotently inserts tuples for threadID, one row per
// checkpoint, inside a single transaction (spec §5 "Transactions").
func (s *Store) BatchInsert(ctx context.Context, threadID string, tuples []checkpoint.Tuple) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("checkpoint/sqlite: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, tuple := range tuples {
		if err := insertOne(ctx, tx, threadID, tuple); err != nil {
			return fmt.Errorf("checkpoint/sqlite: insert checkpoint %s: %w", tuple.Checkpoint.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("checkpoint/sqlite: commit tx: %w", err)
	}
	return nil
}

func insertOne(ctx context.Context, tx *sql.Tx, threadID string, tuple checkpoint.Tuple) error {
	stateJSON, err := json.Marshal(checkpoint.SanitizeState(tuple.Checkpoint.State))
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	var extraJSON []byte
	if len(tuple.Metadata.Extra) > 0 {
		extraJSON, err = json.Marshal(tuple.Metadata.Extra)
		if err != nil {
			return fmt.Errorf("marshal metadata extra: %w", err)
		}
	}
	createdAt := tuple.Checkpoint.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints
			(thread_id, namespace, checkpoint_id, parent_checkpoint_id, write_ordinal, source, step, metadata_extra, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id, namespace, checkpoint_id) DO NOTHING`,
		threadID, tuple.Config.Namespace, tuple.Checkpoint.ID, tuple.Checkpoint.ParentCheckpointID,
		tuple.Checkpoint.WriteOrdinal, tuple.Metadata.Source, tuple.Metadata.Step, nullableBytes(extraJSON),
		createdAt.Format(time.RFC3339Nano),
	); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoint_blobs (thread_id, namespace, checkpoint_id, state_json)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (thread_id, namespace, checkpoint_id) DO UPDATE SET state_json = excluded.state_json`,
		threadID, tuple.Config.Namespace, tuple.Checkpoint.ID, stateJSON,
	); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoint_writes (thread_id, checkpoint_id, write_ordinal, recorded_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (thread_id, checkpoint_id) DO NOTHING`,
		threadID, tuple.Checkpoint.ID, tuple.Checkpoint.WriteOrdinal, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// Latest returns the most recently inserted checkpoint for threadID.
func (s *Store) Latest(ctx context.Context, threadID string) (checkpoint.Tuple, bool, error) {
	rows, err := s.List(ctx, threadID, 1)
	if err != nil {
		return checkpoint.Tuple{}, false, err
	}
	if len(rows) == 0 {
		return checkpoint.Tuple{}, false, nil
	}
	return rows[0], true, nil
}

// List paginates threadID's checkpoints in reverse chronological order.
func (s *Store) List(ctx context.Context, threadID string, limit int) ([]checkpoint.Tuple, error) {
	query := `
		SELECT c.namespace, c.checkpoint_id, c.parent_checkpoint_id, c.write_ordinal,
		       c.source, c.step, c.metadata_extra, c.created_at, b.state_json
		FROM checkpoints c
		JOIN checkpoint_blobs b
		  ON b.thread_id = c.thread_id AND b.namespace = c.namespace AND b.checkpoint_id = c.checkpoint_id
		WHERE c.thread_id = ?
		ORDER BY c.write_ordinal DESC`
	args := []any{threadID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("checkpoint/sqlite: list: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Tuple
	for rows.Next() {
		var (
			namespace, checkpointID, createdAtStr string
			parentID, source                      sql.NullString
			writeOrdinal, step                    int64
			extraJSON                             sql.NullString
			stateJSON                             []byte
		)
		if err := rows.Scan(&namespace, &checkpointID, &parentID, &writeOrdinal, &source, &step, &extraJSON, &createdAtStr, &stateJSON); err != nil {
			return nil, fmt.Errorf("checkpoint/sqlite: scan: %w", err)
		}
		var state map[string]any
		if len(stateJSON) > 0 {
			if err := json.Unmarshal(stateJSON, &state); err != nil {
				return nil, fmt.Errorf("checkpoint/sqlite: unmarshal state: %w", err)
			}
		}
		var extra map[string]any
		if extraJSON.Valid && extraJSON.String != "" {
			if err := json.Unmarshal([]byte(extraJSON.String), &extra); err != nil {
				return nil, fmt.Errorf("checkpoint/sqlite: unmarshal metadata extra: %w", err)
			}
		}
		createdAt, _ := time.Parse(time.RFC3339Nano, createdAtStr)
		out = append(out, checkpoint.Tuple{
			Config: checkpoint.Config{ThreadID: threadID, Namespace: namespace},
			Checkpoint: checkpoint.Checkpoint{
				ID:                 checkpointID,
				ParentCheckpointID: parentID.String,
				State:              state,
				WriteOrdinal:       writeOrdinal,
				CreatedAt:          createdAt,
			},
			Metadata: checkpoint.Metadata{Source: source.String, Step: step, Extra: extra},
		})
	}
	return out, rows.Err()
}

// RecordSystemError persists a system_errors row.
func (s *Store) RecordSystemError(ctx context.Context, se checkpoint.SystemError) error {
	if se.ID == "" {
		se.ID = uuid.New().String()
	}
	if se.CreatedAt.IsZero() {
		se.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_errors (id, thread_id, component, severity, message, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		se.ID, se.ThreadID, se.Component, se.Severity, se.Message, se.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

// DB exposes the underlying connection for packages that share this
// database file (runmgr, eventbus).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }
