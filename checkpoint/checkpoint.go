// Package checkpoint implements the durable state layer (spec §4.2): a
// two-tier store with an in-memory fast tier for active execution, an
// optional cache tier for crash survival, and a slow relational tier that
// receives a batch flush on terminal status or startup recovery.
package checkpoint

import (
	"context"
	"errors"
	"time"
)

// Config identifies the run (thread) and namespace a checkpoint belongs to.
type Config struct {
	ThreadID  string
	Namespace string
}

// Checkpoint is one immutable snapshot of run state at a graph transition
// (spec §3, "Checkpoint").
type Checkpoint struct {
	ID                 string
	ParentCheckpointID string
	State              map[string]any
	WriteOrdinal       int64
	CreatedAt          time.Time
}

// Metadata accompanies a Checkpoint write; Source names the node/executor
// that produced the transition, Step is a monotonically increasing counter.
type Metadata struct {
	Source string
	Step   int64
	Extra  map[string]any
}

// Tuple bundles a Config, its Checkpoint, and Metadata, the unit handed to
// the store on every write (spec §4.2 "Write path").
type Tuple struct {
	Config     Config
	Checkpoint Checkpoint
	Metadata   Metadata
}

// CacheTier buffers checkpoints for crash survival between fast-tier writes
// and the slow-tier batch flush (spec §4.2's "cache tier"). Implementations
// must sanitize payloads with Sanitize before encoding (spec §4.2
// "Sanitization").
type CacheTier interface {
	// Put buffers tuple's sanitized JSON under threadID with a sliding TTL.
	Put(ctx context.Context, threadID string, tuple Tuple, ttl time.Duration) error
	// List returns every buffered tuple for threadID in insertion order.
	List(ctx context.Context, threadID string) ([]Tuple, error)
	// Threads enumerates every thread with at least one buffered tuple,
	// used by startup recovery.
	Threads(ctx context.Context) ([]string, error)
	// Clear removes all buffered tuples for threadID.
	Clear(ctx context.Context, threadID string) error
}

// SlowTier is the persistent relational store that survives process
// restarts (spec §4.2 "Flush path", §6 schema).
type SlowTier interface {
	// BatchInsert idempotently inserts tuples for threadID in the given
	// order, one row per checkpoint, inside a single transaction (spec §5
	// "Transactions").
	BatchInsert(ctx context.Context, threadID string, tuples []Tuple) error
	// Latest returns the most recently inserted checkpoint for threadID, if any.
	Latest(ctx context.Context, threadID string) (Tuple, bool, error)
	// List paginates threadID's checkpoints in reverse chronological order.
	List(ctx context.Context, threadID string, limit int) ([]Tuple, error)
	// RecordSystemError persists a system_errors row (spec §7).
	RecordSystemError(ctx context.Context, se SystemError) error
}

// SystemError is one row in the system_errors table (spec §7).
type SystemError struct {
	ID        string
	ThreadID  string
	Component string
	Severity  string // "soft" | "critical"
	Message   string
	CreatedAt time.Time
}

var (
	// ErrFlushSoft marks a recoverable flush failure: data is retained in
	// the cache tier for a future retry (spec §7).
	ErrFlushSoft = errors.New("checkpoint: flush soft failure")
	// ErrFlushCritical marks an unrecoverable flush failure.
	ErrFlushCritical = errors.New("checkpoint: flush critical failure")
	// ErrNotFound indicates no checkpoint exists for the requested thread.
	ErrNotFound = errors.New("checkpoint: not found")
)
