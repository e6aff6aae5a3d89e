// Package sqlite implements runmgr.Store against an embedded SQLite
// database, owning the run_metadata table on the same *sql.DB the
// checkpoint/sqlite and eventbus/sqlite packages share (spec §6).
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sopforge/orchestrator/runmgr"
)

// Store implements runmgr.Store.
type Store struct {
	db *sql.DB
}

// WrapDB adapts an already-open *sql.DB into a Store, ensuring this
// package's table exists.
func WrapDB(db *sql.DB) (*Store, error) {
	if err := ensureSchema(db); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func ensureSchema(db *sql.DB) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS run_metadata (
		thread_id        TEXT PRIMARY KEY,
		parent_thread_id TEXT,
		workspace_id     TEXT,
		user_id          TEXT,
		run_name         TEXT NOT NULL,
		sop              TEXT NOT NULL,
		llm_model        TEXT NOT NULL,
		callback_url     TEXT,
		ack_key          TEXT,
		broadcast        INTEGER NOT NULL DEFAULT 0,
		status           TEXT NOT NULL,
		error_message    TEXT,
		failed_skill     TEXT,
		rerun_count      INTEGER NOT NULL DEFAULT 0,
		data_store       TEXT,
		created_at       TEXT NOT NULL,
		completed_at     TEXT
	);`
	_, err := db.Exec(schema)
	if err != nil {
		return fmt.Errorf("runmgr/sqlite: create schema: %w", err)
	}
	return nil
}

// Upsert implements runmgr.Store.
func (s *Store) Upsert(ctx context.Context, rec runmgr.Record) error {
	var dataStoreJSON []byte
	if len(rec.DataStore) > 0 {
		var err error
		dataStoreJSON, err = json.Marshal(rec.DataStore)
		if err != nil {
			return fmt.Errorf("runmgr/sqlite: marshal data_store: %w", err)
		}
	}
	broadcast := 0
	if rec.Broadcast {
		broadcast = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO run_metadata
			(thread_id, parent_thread_id, workspace_id, user_id, run_name, sop, llm_model,
			 callback_url, ack_key, broadcast, status, error_message, failed_skill, rerun_count,
			 data_store, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (thread_id) DO UPDATE SET
			parent_thread_id = excluded.parent_thread_id,
			workspace_id     = excluded.workspace_id,
			user_id          = excluded.user_id,
			run_name         = excluded.run_name,
			sop              = excluded.sop,
			llm_model        = excluded.llm_model,
			callback_url     = excluded.callback_url,
			ack_key          = excluded.ack_key,
			broadcast        = excluded.broadcast,
			status           = excluded.status,
			error_message    = excluded.error_message,
			failed_skill     = excluded.failed_skill,
			rerun_count      = excluded.rerun_count,
			data_store       = excluded.data_store,
			completed_at     = excluded.completed_at`,
		rec.ThreadID, nullableString(rec.ParentThreadID), nullableStringPtr(rec.WorkspaceID), nullableString(rec.UserID),
		rec.RunName, rec.SOP, rec.LLMModel, nullableString(rec.CallbackURL), nullableString(rec.AckKey), broadcast,
		rec.Status, nullableString(rec.Error), nullableString(rec.FailedSkill), rec.RerunCount,
		nullableBytes(dataStoreJSON), rec.CreatedAt.UTC().Format(time.RFC3339Nano), nullableTime(rec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("runmgr/sqlite: upsert run %q: %w", rec.ThreadID, err)
	}
	return nil
}

// Load implements runmgr.Store.
func (s *Store) Load(ctx context.Context, threadID string) (runmgr.Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, parent_thread_id, workspace_id, user_id, run_name, sop, llm_model,
		       callback_url, ack_key, broadcast, status, error_message, failed_skill, rerun_count,
		       data_store, created_at, completed_at
		FROM run_metadata WHERE thread_id = ?`, threadID)

	var (
		rec                                                        runmgr.Record
		parentThreadID, workspaceID, userID, callbackURL, ackKey   sql.NullString
		errorMessage, failedSkill                                  sql.NullString
		dataStoreJSON                                              sql.NullString
		createdAtStr                                               string
		completedAtStr                                             sql.NullString
		broadcast                                                  int
	)
	err := row.Scan(&rec.ThreadID, &parentThreadID, &workspaceID, &userID, &rec.RunName, &rec.SOP, &rec.LLMModel,
		&callbackURL, &ackKey, &broadcast, &rec.Status, &errorMessage, &failedSkill, &rec.RerunCount,
		&dataStoreJSON, &createdAtStr, &completedAtStr)
	if err == sql.ErrNoRows {
		return runmgr.Record{}, false, nil
	}
	if err != nil {
		return runmgr.Record{}, false, fmt.Errorf("runmgr/sqlite: load run %q: %w", threadID, err)
	}

	rec.ParentThreadID = parentThreadID.String
	rec.UserID = userID.String
	rec.CallbackURL = callbackURL.String
	rec.AckKey = ackKey.String
	rec.Error = errorMessage.String
	rec.FailedSkill = failedSkill.String
	rec.Broadcast = broadcast != 0
	if workspaceID.Valid {
		ws := workspaceID.String
		rec.WorkspaceID = &ws
	}
	if dataStoreJSON.Valid && dataStoreJSON.String != "" {
		if err := json.Unmarshal([]byte(dataStoreJSON.String), &rec.DataStore); err != nil {
			return runmgr.Record{}, false, fmt.Errorf("runmgr/sqlite: unmarshal data_store: %w", err)
		}
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAtStr)
	if completedAtStr.Valid && completedAtStr.String != "" {
		rec.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAtStr.String)
	}
	return rec, true, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
