package pulse

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"goa.design/pulse/streaming"

	"github.com/sopforge/orchestrator/eventbus"
)

// fakeSinker feeds a fixed sequence of stream events to Sink.run without a
// real Redis-backed Pulse stream.
type fakeSinker struct {
	mu     sync.Mutex
	events chan *streaming.Event
	acked  []string
	closed bool
}

func newFakeSinker(events ...*streaming.Event) *fakeSinker {
	ch := make(chan *streaming.Event, len(events))
	for _, e := range events {
		ch <- e
	}
	return &fakeSinker{events: ch}
}

func (f *fakeSinker) Subscribe() <-chan *streaming.Event { return f.events }

func (f *fakeSinker) Ack(_ context.Context, ev *streaming.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, ev.ID)
	return nil
}

func (f *fakeSinker) Close(context.Context) error {
	f.closed = true
	return nil
}

// fakeAdminSubscriber records every admin event it receives.
type fakeAdminSubscriber struct {
	mu     sync.Mutex
	events []eventbus.AdminEvent
}

func (f *fakeAdminSubscriber) HandleEvent(_ context.Context, event eventbus.AdminEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAdminSubscriber) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

func TestSinkRepublishesStreamEntriesOntoBus(t *testing.T) {
	payload, err := json.Marshal(envelope{
		Type: "run_started", ThreadID: "t-1",
		Payload: map[string]any{"sop": "ship it"}, Timestamp: time.Now().UnixMilli(),
	})
	require.NoError(t, err)

	fs := newFakeSinker(&streaming.Event{ID: "1-0", EventName: "run_started", Payload: payload})

	bus := eventbus.New(context.Background(), eventbus.Options{})
	sub := &fakeAdminSubscriber{}
	bus.RegisterAdmin(sub)

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{sink: fs, bus: bus}
	go s.run(ctx)

	require.Eventually(t, func() bool { return sub.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	require.Eventually(t, func() bool {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		return len(fs.acked) == 1
	}, time.Second, 5*time.Millisecond)
}
