// Package pulse publishes admin events (spec §4.7) onto goa.design/pulse
// streams so that every API server replica observes the same fan-out
// instead of only the process that handled the run, mirroring the
// teacher's stream/pulse sink.go (client → stream.Add) adapted from a
// runtime-event sink to an eventbus.AdminSubscriber.
package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"goa.design/pulse/streaming"
	streamopts "goa.design/pulse/streaming/options"

	"github.com/sopforge/orchestrator/eventbus"
)

// streamName is shared by every publisher and sink so replicas agree on
// where admin events live; per-thread streams would make "list every open
// run's events" require a Redis SCAN, so admin events share one stream and
// carry ThreadID in the envelope instead.
const streamName = "orchestrator:admin-events"

// envelope is the JSON wire shape written to the stream.
type envelope struct {
	Type      string         `json:"type"`
	ThreadID  string         `json:"thread_id"`
	Payload   map[string]any `json:"payload"`
	Timestamp int64          `json:"timestamp"`
}

// Publisher is an eventbus.AdminSubscriber that republishes every admin
// event onto a shared Pulse stream instead of (or in addition to) the
// in-process fan-out, so a separate process can run Sink to rebroadcast to
// its own local subscribers.
type Publisher struct {
	mu     sync.Mutex
	stream *streaming.Stream
}

// NewPublisher opens (creating if absent) the shared admin-events stream on
// rdb, bounding it to maxLen entries (0 uses Pulse's default).
func NewPublisher(rdb *redis.Client, maxLen int) (*Publisher, error) {
	if rdb == nil {
		return nil, errors.New("eventbus/pulse: redis client is required")
	}
	var opts []streamopts.Stream
	if maxLen > 0 {
		opts = append(opts, streamopts.WithStreamMaxLen(maxLen))
	}
	str, err := streaming.NewStream(streamName, rdb, opts...)
	if err != nil {
		return nil, fmt.Errorf("eventbus/pulse: open stream: %w", err)
	}
	return &Publisher{stream: str}, nil
}

// HandleEvent implements eventbus.AdminSubscriber by appending event to the
// shared stream. A publish failure is returned to the caller, who (per
// eventbus.Bus.PublishAdmin) logs it and stops fan-out to later
// subscribers rather than aborting the run.
func (p *Publisher) HandleEvent(ctx context.Context, event eventbus.AdminEvent) error {
	payload, err := json.Marshal(envelope{
		Type: event.Type, ThreadID: event.ThreadID, Payload: event.Payload,
		Timestamp: event.Timestamp.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("eventbus/pulse: marshal admin event: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_, err = p.stream.Add(ctx, event.Type, payload)
	return err
}

// Sink reads the shared admin-events stream via a Pulse consumer group and
// re-publishes each entry onto a local eventbus.Bus, giving every replica
// the full admin event history regardless of which replica originated it.
type Sink struct {
	sink sinker
	bus  *eventbus.Bus
}

// sinker is the subset of *streaming.Sink this package depends on,
// declared locally so tests can substitute a fake.
type sinker interface {
	Subscribe() <-chan *streaming.Event
	Ack(context.Context, *streaming.Event) error
	Close(context.Context) error
}

// NewSink creates consumer group name on the shared stream and returns a
// Sink that republishes its entries onto bus until ctx is cancelled or
// Close is called.
func NewSink(ctx context.Context, rdb *redis.Client, name string, bus *eventbus.Bus) (*Sink, error) {
	if rdb == nil {
		return nil, errors.New("eventbus/pulse: redis client is required")
	}
	str, err := streaming.NewStream(streamName, rdb)
	if err != nil {
		return nil, fmt.Errorf("eventbus/pulse: open stream: %w", err)
	}
	sk, err := str.NewSink(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("eventbus/pulse: create sink: %w", err)
	}
	s := &Sink{sink: sk, bus: bus}
	go s.run(ctx)
	return s, nil
}

func (s *Sink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.sink.Subscribe():
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal(ev.Payload, &env); err == nil {
				s.bus.PublishAdmin(ctx, eventbus.AdminEvent{
					Type: env.Type, ThreadID: env.ThreadID, Payload: env.Payload,
				})
			}
			_ = s.sink.Ack(ctx, ev)
		}
	}
}

// Close stops the underlying consumer group.
func (s *Sink) Close(ctx context.Context) error {
	return s.sink.Close(ctx)
}
