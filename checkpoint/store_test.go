package checkpoint_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sopforge/orchestrator/checkpoint"
)

type fakeCache struct {
	mu      sync.Mutex
	byThread map[string][]checkpoint.Tuple
}

func newFakeCache() *fakeCache { return &fakeCache{byThread: map[string][]checkpoint.Tuple{}} }

func (f *fakeCache) Put(ctx context.Context, threadID string, tuple checkpoint.Tuple, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byThread[threadID] = append(f.byThread[threadID], tuple)
	return nil
}

func (f *fakeCache) List(ctx context.Context, threadID string) ([]checkpoint.Tuple, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]checkpoint.Tuple(nil), f.byThread[threadID]...), nil
}

func (f *fakeCache) Threads(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for id, tuples := range f.byThread {
		if len(tuples) > 0 {
			out = append(out, id)
		}
	}
	return out, nil
}

func (f *fakeCache) Clear(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.byThread, threadID)
	return nil
}

type fakeSlow struct {
	mu       sync.Mutex
	inserted map[string][]checkpoint.Tuple
	errs     []checkpoint.SystemError
}

func newFakeSlow() *fakeSlow { return &fakeSlow{inserted: map[string][]checkpoint.Tuple{}} }

func (f *fakeSlow) BatchInsert(ctx context.Context, threadID string, tuples []checkpoint.Tuple) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted[threadID] = append(f.inserted[threadID], tuples...)
	return nil
}

func (f *fakeSlow) Latest(ctx context.Context, threadID string) (checkpoint.Tuple, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := f.inserted[threadID]
	if len(rows) == 0 {
		return checkpoint.Tuple{}, false, nil
	}
	return rows[len(rows)-1], true, nil
}

func (f *fakeSlow) List(ctx context.Context, threadID string, limit int) ([]checkpoint.Tuple, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]checkpoint.Tuple(nil), f.inserted[threadID]...), nil
}

func (f *fakeSlow) RecordSystemError(ctx context.Context, se checkpoint.SystemError) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs = append(f.errs, se)
	return nil
}

func TestStorePutThenGetTuple(t *testing.T) {
	slow := newFakeSlow()
	store, err := checkpoint.New(context.Background(), checkpoint.Options{Slow: slow})
	require.NoError(t, err)

	cfg := checkpoint.Config{ThreadID: "t1", Namespace: "main"}
	require.NoError(t, store.Put(context.Background(), checkpoint.Tuple{
		Config:     cfg,
		Checkpoint: checkpoint.Checkpoint{ID: "c1", WriteOrdinal: 1, State: map[string]any{"x": 1.0}},
	}))

	tuple, ok := store.GetTuple(cfg)
	require.True(t, ok)
	assert.Equal(t, "c1", tuple.Checkpoint.ID)
}

func TestStoreFlushBatchesIntoSlowTierAndPurgesFastTier(t *testing.T) {
	cache := newFakeCache()
	slow := newFakeSlow()
	store, err := checkpoint.New(context.Background(), checkpoint.Options{Cache: cache, Slow: slow})
	require.NoError(t, err)

	cfg := checkpoint.Config{ThreadID: "t1", Namespace: "main"}
	for i := int64(1); i <= 3; i++ {
		require.NoError(t, store.Put(context.Background(), checkpoint.Tuple{
			Config:     cfg,
			Checkpoint: checkpoint.Checkpoint{ID: "c", WriteOrdinal: i},
		}))
	}

	require.NoError(t, store.Flush(context.Background(), "t1"))
	assert.Len(t, slow.inserted["t1"], 3)

	_, ok := store.GetTuple(cfg)
	assert.False(t, ok, "fast tier should be purged after flush")
}

func TestStoreRecoversBufferedCacheEntriesOnStartup(t *testing.T) {
	cache := newFakeCache()
	cache.byThread["orphaned"] = []checkpoint.Tuple{
		{Config: checkpoint.Config{ThreadID: "orphaned"}, Checkpoint: checkpoint.Checkpoint{ID: "c1", WriteOrdinal: 1}},
	}
	slow := newFakeSlow()

	_, err := checkpoint.New(context.Background(), checkpoint.Options{Cache: cache, Slow: slow})
	require.NoError(t, err)

	assert.Len(t, slow.inserted["orphaned"], 1)
	remaining, _ := cache.List(context.Background(), "orphaned")
	assert.Empty(t, remaining)
}
