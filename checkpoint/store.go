package checkpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sopforge/orchestrator/telemetry"
)

// DefaultCacheTTL is the sliding TTL applied to cache-tier entries,
// extended on every write (spec §4.2).
const DefaultCacheTTL = 30 * time.Minute

// Store is the durable state layer (spec §4.2): a fast in-memory tier for
// active-run reads, an optional cache tier for crash survival, and a slow
// relational tier that receives the batch flush.
type Store struct {
	mu    sync.RWMutex
	fast  map[string][]Tuple // threadID -> tuples in write order
	cache CacheTier          // optional
	slow  SlowTier
	ttl   time.Duration

	logger  telemetry.Logger
	metrics telemetry.Metrics
}

// Options configures a Store.
type Options struct {
	Cache    CacheTier // optional; nil disables crash-survival buffering
	Slow     SlowTier
	CacheTTL time.Duration
	Logger   telemetry.Logger
	Metrics  telemetry.Metrics
}

// New constructs a Store and runs startup recovery against the cache tier
// if one is configured (spec §4.2 "Recovery path").
func New(ctx context.Context, opts Options) (*Store, error) {
	if opts.Slow == nil {
		return nil, fmt.Errorf("checkpoint: slow tier is required")
	}
	ttl := opts.CacheTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	s := &Store{
		fast:    make(map[string][]Tuple),
		cache:   opts.Cache,
		slow:    opts.Slow,
		ttl:     ttl,
		logger:  logger,
		metrics: metrics,
	}
	if err := s.recover(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Put records tuple in the fast tier and, if a cache tier is configured,
// buffers a sanitized copy with a sliding TTL (spec §4.2 "Write path").
func (s *Store) Put(ctx context.Context, tuple Tuple) error {
	threadID := tuple.Config.ThreadID
	tuple.Checkpoint.State = SanitizeState(tuple.Checkpoint.State)

	s.mu.Lock()
	s.fast[threadID] = append(s.fast[threadID], tuple)
	s.mu.Unlock()

	if s.cache == nil {
		return nil
	}
	if err := s.cache.Put(ctx, threadID, tuple, s.ttl); err != nil {
		// Cache buffering failure is a soft failure: the fast tier already
		// has the checkpoint, so the run is not blocked (spec §7).
		s.logger.Warn(ctx, "checkpoint: cache tier put failed", "thread_id", threadID, "error", err)
		s.metrics.IncCounter("checkpoint.cache_put_failed", 1, "thread_id", threadID)
	}
	return nil
}

// GetTuple returns the most recent checkpoint for config.ThreadID from the
// fast tier (spec §4.2 "Read path").
func (s *Store) GetTuple(config Config) (Tuple, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tuples := s.fast[config.ThreadID]
	if len(tuples) == 0 {
		return Tuple{}, false
	}
	return tuples[len(tuples)-1], true
}

// List returns up to limit checkpoints for config.ThreadID from the fast
// tier, most recent first.
func (s *Store) List(config Config, limit int) []Tuple {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tuples := s.fast[config.ThreadID]
	out := make([]Tuple, len(tuples))
	copy(out, tuples)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Checkpoint.WriteOrdinal > out[j].Checkpoint.WriteOrdinal })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Flush drains every buffered checkpoint for threadID into the slow tier
// in a single batch, then purges the fast tier (and cache tier, if any)
// for that thread, bounding memory (spec §4.2 "Flush path"). Call this when
// a run reaches a terminal status.
func (s *Store) Flush(ctx context.Context, threadID string) error {
	s.mu.RLock()
	tuples := append([]Tuple(nil), s.fast[threadID]...)
	s.mu.RUnlock()

	if len(tuples) == 0 {
		return nil
	}
	sort.SliceStable(tuples, func(i, j int) bool {
		return tuples[i].Checkpoint.WriteOrdinal < tuples[j].Checkpoint.WriteOrdinal
	})
	if err := s.slow.BatchInsert(ctx, threadID, tuples); err != nil {
		s.logger.Error(ctx, "checkpoint: batch flush failed", "thread_id", threadID, "error", err)
		_ = s.slow.RecordSystemError(ctx, SystemError{
			ThreadID:  threadID,
			Component: "checkpoint_store",
			Severity:  "critical",
			Message:   err.Error(),
			CreatedAt: time.Now(),
		})
		return fmt.Errorf("%w: %v", ErrFlushCritical, err)
	}

	s.mu.Lock()
	delete(s.fast, threadID)
	s.mu.Unlock()

	if s.cache != nil {
		if err := s.cache.Clear(ctx, threadID); err != nil {
			s.logger.Warn(ctx, "checkpoint: cache clear after flush failed", "thread_id", threadID, "error", err)
		}
	}
	return nil
}

// recover enumerates every thread present in the cache tier and performs
// the same batch flush used for terminal-status runs, then clears those
// cache entries. Partial failure is reported as a system error but never
// blocks startup (spec §4.2 "Recovery path").
func (s *Store) recover(ctx context.Context) error {
	if s.cache == nil {
		return nil
	}
	threads, err := s.cache.Threads(ctx)
	if err != nil {
		return fmt.Errorf("checkpoint: list cache threads: %w", err)
	}
	for _, threadID := range threads {
		tuples, err := s.cache.List(ctx, threadID)
		if err != nil {
			s.logger.Error(ctx, "checkpoint: recovery list failed", "thread_id", threadID, "error", err)
			_ = s.slow.RecordSystemError(ctx, SystemError{
				ThreadID: threadID, Component: "checkpoint_recovery", Severity: "critical",
				Message: err.Error(), CreatedAt: time.Now(),
			})
			continue
		}
		if len(tuples) == 0 {
			continue
		}
		sort.SliceStable(tuples, func(i, j int) bool {
			return tuples[i].Checkpoint.WriteOrdinal < tuples[j].Checkpoint.WriteOrdinal
		})
		if err := s.slow.BatchInsert(ctx, threadID, tuples); err != nil {
			s.logger.Error(ctx, "checkpoint: recovery flush failed", "thread_id", threadID, "error", err)
			_ = s.slow.RecordSystemError(ctx, SystemError{
				ThreadID: threadID, Component: "checkpoint_recovery", Severity: "critical",
				Message: err.Error(), CreatedAt: time.Now(),
			})
			continue
		}
		if err := s.cache.Clear(ctx, threadID); err != nil {
			s.logger.Warn(ctx, "checkpoint: recovery cache clear failed", "thread_id", threadID, "error", err)
		}
	}
	return nil
}
