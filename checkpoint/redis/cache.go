// Package redis implements checkpoint.CacheTier against go-redis, the fast
// crash-survival buffer between the in-memory fast tier and the slow
// relational tier (spec §4.2).
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sopforge/orchestrator/checkpoint"
)

const keyPrefix = "orchestrator:checkpoint:"
const threadSetKey = "orchestrator:checkpoint:threads"

// Cache is a checkpoint.CacheTier backed by a Redis list per thread, plus a
// set tracking which threads currently have buffered entries (so Threads
// can enumerate them cheaply on startup recovery).
type Cache struct {
	rdb *redis.Client
}

// New returns a Cache wrapping rdb.
func New(rdb *redis.Client) (*Cache, error) {
	if rdb == nil {
		return nil, errors.New("checkpoint/redis: client is required")
	}
	return &Cache{rdb: rdb}, nil
}

func listKey(threadID string) string {
	return keyPrefix + threadID
}

type encodedTuple struct {
	Config             checkpoint.Config `json:"config"`
	CheckpointID       string            `json:"checkpoint_id"`
	ParentCheckpointID string            `json:"parent_checkpoint_id,omitempty"`
	State              map[string]any    `json:"state"`
	WriteOrdinal       int64             `json:"write_ordinal"`
	CreatedAt          time.Time         `json:"created_at"`
	Source             string            `json:"source,omitempty"`
	Step               int64             `json:"step"`
	Extra              map[string]any    `json:"extra,omitempty"`
}

// Put buffers tuple's sanitized JSON under threadID's list with a sliding
// TTL, extended on every write (spec §4.2).
func (c *Cache) Put(ctx context.Context, threadID string, tuple checkpoint.Tuple, ttl time.Duration) error {
	enc := encodedTuple{
		Config:             tuple.Config,
		CheckpointID:       tuple.Checkpoint.ID,
		ParentCheckpointID: tuple.Checkpoint.ParentCheckpointID,
		State:              checkpoint.SanitizeState(tuple.Checkpoint.State),
		WriteOrdinal:       tuple.Checkpoint.WriteOrdinal,
		CreatedAt:          tuple.Checkpoint.CreatedAt,
		Source:             tuple.Metadata.Source,
		Step:               tuple.Metadata.Step,
		Extra:              tuple.Metadata.Extra,
	}
	payload, err := json.Marshal(enc)
	if err != nil {
		return fmt.Errorf("checkpoint/redis: marshal tuple: %w", err)
	}
	key := listKey(threadID)
	pipe := c.rdb.TxPipeline()
	pipe.RPush(ctx, key, payload)
	pipe.Expire(ctx, key, ttl)
	pipe.SAdd(ctx, threadSetKey, threadID)
	_, err = pipe.Exec(ctx)
	return err
}

// List returns every buffered tuple for threadID in insertion order.
func (c *Cache) List(ctx context.Context, threadID string) ([]checkpoint.Tuple, error) {
	raw, err := c.rdb.LRange(ctx, listKey(threadID), 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]checkpoint.Tuple, 0, len(raw))
	for _, item := range raw {
		var enc encodedTuple
		if err := json.Unmarshal([]byte(item), &enc); err != nil {
			return nil, fmt.Errorf("checkpoint/redis: unmarshal tuple: %w", err)
		}
		out = append(out, checkpoint.Tuple{
			Config: enc.Config,
			Checkpoint: checkpoint.Checkpoint{
				ID:                 enc.CheckpointID,
				ParentCheckpointID: enc.ParentCheckpointID,
				State:              enc.State,
				WriteOrdinal:       enc.WriteOrdinal,
				CreatedAt:          enc.CreatedAt,
			},
			Metadata: checkpoint.Metadata{Source: enc.Source, Step: enc.Step, Extra: enc.Extra},
		})
	}
	return out, nil
}

// Threads enumerates every thread with at least one buffered tuple.
func (c *Cache) Threads(ctx context.Context) ([]string, error) {
	return c.rdb.SMembers(ctx, threadSetKey).Result()
}

// Clear removes all buffered tuples for threadID.
func (c *Cache) Clear(ctx context.Context, threadID string) error {
	pipe := c.rdb.TxPipeline()
	pipe.Del(ctx, listKey(threadID))
	pipe.SRem(ctx, threadSetKey, threadID)
	_, err := pipe.Exec(ctx)
	return err
}
