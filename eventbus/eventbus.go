// Package eventbus implements the Event Bus (C7, spec §4.7): three logical
// channels emitted from both executors and the engine. Log lines and
// workflow UI events are queued per thread and batch-persisted on terminal
// status, mirroring checkpoint.Store's fast-tier/flush shape; admin events
// fan out synchronously to subscribers in memory, adapted from the
// teacher's runtime/agent/hooks.Bus.
package eventbus

import (
	"context"
	"sync"
	"time"

	"github.com/sopforge/orchestrator/telemetry"
)

// LogLine is one `{thread_id, text, level, timestamp}` entry (spec §4.7).
type LogLine struct {
	ThreadID  string
	Text      string
	Level     string
	Timestamp time.Time
}

// AdminEvent carries one of run_started/run_cancelled/run_rejected/
// status_updated/ack, fanned out to SSE/WebSocket subscribers with no
// durability (spec §4.7).
type AdminEvent struct {
	Type      string
	ThreadID  string
	Payload   map[string]any
	Timestamp time.Time
}

// UIEvent is a structured planner-decision/agent-action/pipeline-step/
// parallel-group event. ParentEventID links it into the DAG a run's
// event_id chain forms (spec §4.7).
type UIEvent struct {
	ThreadID       string
	Phase          string
	EventID        string
	ParentEventID  string
	PipelineStepID string
	Payload        map[string]any
	CreatedAt      time.Time
}

// LogSink persists a thread's queued log lines on terminal status,
// implemented against the relational store (spec §6 `thread_logs`).
type LogSink interface {
	BatchInsert(ctx context.Context, threadID string, lines []LogLine) error
}

// UISink persists a thread's queued workflow UI events on terminal status
// (spec §6 `thread_workflow_ui_events`).
type UISink interface {
	BatchInsert(ctx context.Context, threadID string, events []UIEvent) error
}

// LogQueue buffers log lines ahead of the terminal-status flush. The
// in-process implementation below satisfies this directly; eventbus/redis
// provides a durable alternative so queued lines survive a process
// restart, per spec §4.7's "Queued (Redis or in-process)".
type LogQueue interface {
	Enqueue(ctx context.Context, line LogLine) error
	Drain(ctx context.Context, threadID string) ([]LogLine, error)
	// Threads enumerates every thread with at least one buffered line, used
	// to drain residual queue entries left behind by a prior process.
	Threads(ctx context.Context) ([]string, error)
}

// AdminSubscriber reacts to published admin events, adapted from the
// teacher's hooks.Subscriber.
type AdminSubscriber interface {
	HandleEvent(ctx context.Context, event AdminEvent) error
}

// Subscription represents an active admin-event registration.
type Subscription interface {
	Close() error
}

// memLogQueue is the default in-process LogQueue: a per-thread slice
// guarded by a mutex, with no durability across a restart (spec §4.7).
type memLogQueue struct {
	mu    sync.Mutex
	lines map[string][]LogLine
}

func newMemLogQueue() *memLogQueue { return &memLogQueue{lines: map[string][]LogLine{}} }

func (q *memLogQueue) Enqueue(_ context.Context, line LogLine) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lines[line.ThreadID] = append(q.lines[line.ThreadID], line)
	return nil
}

func (q *memLogQueue) Drain(_ context.Context, threadID string) ([]LogLine, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	lines := q.lines[threadID]
	delete(q.lines, threadID)
	return lines, nil
}

func (q *memLogQueue) Threads(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.lines))
	for threadID := range q.lines {
		out = append(out, threadID)
	}
	return out, nil
}

// Bus wires the three channels together: in-memory admin fan-out, plus
// queued log lines and workflow UI events batch-flushed to their sinks on
// terminal status (spec §4.7).
type Bus struct {
	adminMu   sync.RWMutex
	adminSubs map[*subscription]AdminSubscriber

	logQueue LogQueue
	logSink  LogSink

	uiMu    sync.Mutex
	uiQueue map[string][]UIEvent
	uiSink  UISink

	logger telemetry.Logger
}

// Options configures a Bus. LogQueue defaults to an in-process buffer; Sinks
// may be nil, in which case a terminal-status Flush drops queued entries
// after logging a warning rather than blocking the run (spec §4.7: "all
// paths MUST tolerate a failed broadcast without aborting execution").
type Options struct {
	LogQueue LogQueue
	LogSink  LogSink
	UISink   UISink
	Logger   telemetry.Logger
}

// New builds a Bus and drains any residual log-queue entries left behind by
// a prior process (spec §4.7: "on process start any residual queue is
// drained").
func New(ctx context.Context, opts Options) *Bus {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	queue := opts.LogQueue
	if queue == nil {
		queue = newMemLogQueue()
	}
	b := &Bus{
		adminSubs: make(map[*subscription]AdminSubscriber),
		logQueue:  queue,
		logSink:   opts.LogSink,
		uiQueue:   make(map[string][]UIEvent),
		uiSink:    opts.UISink,
		logger:    logger,
	}
	b.drainResidual(ctx)
	return b
}

func (b *Bus) drainResidual(ctx context.Context) {
	if b.logSink == nil {
		return
	}
	threads, err := b.logQueue.Threads(ctx)
	if err != nil {
		b.logger.Warn(ctx, "eventbus: list residual log threads failed", "error", err)
		return
	}
	for _, threadID := range threads {
		lines, err := b.logQueue.Drain(ctx, threadID)
		if err != nil || len(lines) == 0 {
			continue
		}
		if err := b.logSink.BatchInsert(ctx, threadID, lines); err != nil {
			b.logger.Warn(ctx, "eventbus: residual log flush failed", "thread_id", threadID, "error", err)
		}
	}
}

// PublishAdmin delivers event to the registered admin subscribers in no
// defined order (they are held in a map), logging and stopping at the
// first subscriber error, and never
// returns an error to the caller: a failed broadcast must not abort
// execution (spec §4.7).
func (b *Bus) PublishAdmin(ctx context.Context, event AdminEvent) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	b.adminMu.RLock()
	subs := make([]AdminSubscriber, 0, len(b.adminSubs))
	for _, sub := range b.adminSubs {
		subs = append(subs, sub)
	}
	b.adminMu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			b.logger.Warn(ctx, "eventbus: admin subscriber error", "type", event.Type, "thread_id", event.ThreadID, "error", err)
			return
		}
	}
}

// RegisterAdmin adds sub to the admin fan-out and returns a Subscription
// that can be closed to unregister it.
func (b *Bus) RegisterAdmin(sub AdminSubscriber) Subscription {
	s := &subscription{bus: b}
	b.adminMu.Lock()
	b.adminSubs[s] = sub
	b.adminMu.Unlock()
	return s
}

type subscription struct {
	bus  *Bus
	once sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.adminMu.Lock()
		delete(s.bus.adminSubs, s)
		s.bus.adminMu.Unlock()
	})
	return nil
}

// QueueLog buffers a log line for threadID ahead of the terminal-status
// flush. Queueing failures are logged, not returned: logging must never
// abort a run (spec §4.7).
func (b *Bus) QueueLog(ctx context.Context, line LogLine) {
	if line.Timestamp.IsZero() {
		line.Timestamp = time.Now()
	}
	if err := b.logQueue.Enqueue(ctx, line); err != nil {
		b.logger.Warn(ctx, "eventbus: queue log line failed", "thread_id", line.ThreadID, "error", err)
	}
}

// QueueUIEvent buffers a workflow UI event for threadID ahead of the
// terminal-status flush. Event IDs form a DAG via ParentEventID.
func (b *Bus) QueueUIEvent(event UIEvent) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	b.uiMu.Lock()
	b.uiQueue[event.ThreadID] = append(b.uiQueue[event.ThreadID], event)
	b.uiMu.Unlock()
}

// Flush batch-persists threadID's queued log lines and UI events to their
// sinks and purges the in-memory queues, mirroring checkpoint.Store.Flush.
// Call this when a run reaches a terminal status (spec §4.7).
func (b *Bus) Flush(ctx context.Context, threadID string) {
	lines, err := b.logQueue.Drain(ctx, threadID)
	if err != nil {
		b.logger.Warn(ctx, "eventbus: drain log queue failed", "thread_id", threadID, "error", err)
	} else if len(lines) > 0 {
		if b.logSink == nil {
			b.logger.Warn(ctx, "eventbus: no log sink configured, dropping queued log lines", "thread_id", threadID, "count", len(lines))
		} else if err := b.logSink.BatchInsert(ctx, threadID, lines); err != nil {
			b.logger.Warn(ctx, "eventbus: flush log lines failed", "thread_id", threadID, "error", err)
		}
	}

	b.uiMu.Lock()
	events := b.uiQueue[threadID]
	delete(b.uiQueue, threadID)
	b.uiMu.Unlock()
	if len(events) > 0 && b.uiSink == nil {
		b.logger.Warn(ctx, "eventbus: no ui sink configured, dropping queued ui events", "thread_id", threadID, "count", len(events))
	} else if len(events) > 0 {
		if err := b.uiSink.BatchInsert(ctx, threadID, events); err != nil {
			b.logger.Warn(ctx, "eventbus: flush ui events failed", "thread_id", threadID, "error", err)
		}
	}
}
