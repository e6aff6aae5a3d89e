// Package redis implements eventbus.LogQueue against go-redis, the durable
// alternative to the in-process log-line buffer so queued lines survive a
// process restart (spec §4.7: "Queued (Redis or in-process)"), mirroring
// checkpoint/redis's cache-tier list-per-thread layout.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sopforge/orchestrator/eventbus"
)

const keyPrefix = "orchestrator:logqueue:"
const threadSetKey = "orchestrator:logqueue:threads"

// Queue is an eventbus.LogQueue backed by a Redis list per thread, plus a
// set tracking which threads currently have buffered lines.
type Queue struct {
	rdb *redis.Client
}

// New returns a Queue wrapping rdb.
func New(rdb *redis.Client) (*Queue, error) {
	if rdb == nil {
		return nil, errors.New("eventbus/redis: client is required")
	}
	return &Queue{rdb: rdb}, nil
}

func listKey(threadID string) string { return keyPrefix + threadID }

type encodedLine struct {
	Text      string    `json:"text"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// Enqueue appends line to threadID's list and records the thread in the
// residual-threads set.
func (q *Queue) Enqueue(ctx context.Context, line eventbus.LogLine) error {
	payload, err := json.Marshal(encodedLine{Text: line.Text, Level: line.Level, Timestamp: line.Timestamp})
	if err != nil {
		return fmt.Errorf("eventbus/redis: marshal log line: %w", err)
	}
	pipe := q.rdb.TxPipeline()
	pipe.RPush(ctx, listKey(line.ThreadID), payload)
	pipe.SAdd(ctx, threadSetKey, line.ThreadID)
	_, err = pipe.Exec(ctx)
	return err
}

// Drain returns and removes every buffered line for threadID in insertion
// order.
func (q *Queue) Drain(ctx context.Context, threadID string) ([]eventbus.LogLine, error) {
	key := listKey(threadID)
	raw, err := q.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]eventbus.LogLine, 0, len(raw))
	for _, item := range raw {
		var enc encodedLine
		if err := json.Unmarshal([]byte(item), &enc); err != nil {
			return nil, fmt.Errorf("eventbus/redis: unmarshal log line: %w", err)
		}
		out = append(out, eventbus.LogLine{ThreadID: threadID, Text: enc.Text, Level: enc.Level, Timestamp: enc.Timestamp})
	}
	pipe := q.rdb.TxPipeline()
	pipe.Del(ctx, key)
	pipe.SRem(ctx, threadSetKey, threadID)
	_, err = pipe.Exec(ctx)
	return out, err
}

// Threads enumerates every thread with at least one buffered line.
func (q *Queue) Threads(ctx context.Context) ([]string, error) {
	return q.rdb.SMembers(ctx, threadSetKey).Result()
}
