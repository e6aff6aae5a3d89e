// Package runmgr implements the Run Manager (C6, spec §4.6): Start/Stop/
// Rerun lifecycle management, the callback webhook, and per-run ownership
// checks, adapted from the teacher's runtime/agent/runtime session and run
// lifecycle (persist-before-start ordering, a mutex-guarded in-flight
// handle map, bounded cooperative cancel).
package runmgr

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/sopforge/orchestrator/checkpoint"
	"github.com/sopforge/orchestrator/dotpath"
	"github.com/sopforge/orchestrator/engine"
	"github.com/sopforge/orchestrator/eventbus"
	"github.com/sopforge/orchestrator/executor/rest"
	"github.com/sopforge/orchestrator/graph"
	"github.com/sopforge/orchestrator/model"
	"github.com/sopforge/orchestrator/telemetry"
)

// Lifecycle states (spec §4.6: "running → paused ⇄ running →
// {completed | error | cancelled | failed}").
const (
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusCancelled = "cancelled"
	StatusFailed    = "failed"
)

// stopGracePeriod is how long Stop waits for cooperative shutdown before
// declaring the run cancelled regardless (spec §4.6: "wait up to 2
// seconds"). The teacher's analogous DeleteSession uses 5s; this value
// follows the spec rather than the teacher.
const stopGracePeriod = 2 * time.Second

var (
	// ErrInvalidModel means the requested llm_model isn't registered.
	ErrInvalidModel = errors.New("runmgr: unknown llm model")
	// ErrNotFound means no run exists for the given thread id.
	ErrNotFound = errors.New("runmgr: run not found")
	// ErrForbidden means the caller does not own the run (spec §4.6
	// "Ownership").
	ErrForbidden = errors.New("runmgr: caller does not own this run")
)

// Record is a run's persisted metadata (spec §4.6, §6 `run_metadata`).
type Record struct {
	ThreadID       string
	ParentThreadID string
	WorkspaceID    *string
	UserID         string
	RunName        string
	SOP            string
	LLMModel       string
	CallbackURL    string
	AckKey         string
	Broadcast      bool

	Status      string
	Error       string
	FailedSkill string
	RerunCount  int

	DataStore   map[string]any
	CreatedAt   time.Time
	CompletedAt time.Time
}

// Store persists run metadata, grounded on the teacher's run.Store
// Upsert/Load shape.
type Store interface {
	Upsert(ctx context.Context, rec Record) error
	Load(ctx context.Context, threadID string) (Record, bool, error)
}

// Caller identifies the principal making a request, for the ownership
// checks spec §4.6 requires on every per-run and workspace-scoped endpoint.
type Caller struct {
	ID    string
	Admin bool
}

// Authorize enforces spec §4.6's "Ownership" rule: run.user_id must match
// the caller unless the caller is an admin, and (when requestedWorkspaceID
// is non-nil) run.workspace_id must match the requested workspace.
func Authorize(caller Caller, rec Record, requestedWorkspaceID *string) error {
	if !caller.Admin && rec.UserID != caller.ID {
		return ErrForbidden
	}
	if requestedWorkspaceID != nil {
		if rec.WorkspaceID == nil || *rec.WorkspaceID != *requestedWorkspaceID {
			return ErrForbidden
		}
	}
	return nil
}

// StartRequest describes a run to launch (spec §6 `POST /start`).
type StartRequest struct {
	ThreadID      string
	SOP           string
	InitialData   map[string]any
	RunName       string
	AckKey        string
	WorkspaceID   *string
	UserID        string
	LLMModel      string
	CallbackURL   string
	Broadcast     bool
	AwaitResponse bool
}

// HTTPDoer is satisfied by *http.Client, letting tests substitute a fake
// for the fire-and-forget callback webhook.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Options configures a Manager.
type Options struct {
	WebhookClient  HTTPDoer
	WebhookLimiter *rate.Limiter
	Logger         telemetry.Logger
}

type inFlightRun struct {
	handle engine.WorkflowHandle
	done   chan struct{}
}

// Manager drives the Start/Stop/Rerun/callback lifecycle over an
// engine.Engine running graph.Graph workflows, grounded on the teacher's
// runtime.Runtime (startRun*, storeWorkflowHandle/workflowHandle,
// cancelSessionRuns).
type Manager struct {
	eng         engine.Engine
	taskQueue   string
	store       Store
	models      *model.Registry
	checkpoints *checkpoint.Store
	bus         *eventbus.Bus

	webhookClient  HTTPDoer
	webhookLimiter *rate.Limiter
	logger         telemetry.Logger

	mu       sync.Mutex
	inFlight map[string]*inFlightRun
}

// New builds a Manager. eng must already have graph.Graph's workflow and
// activities registered under taskQueue (graph.Graph.RegisterWith).
func New(eng engine.Engine, taskQueue string, store Store, models *model.Registry, checkpoints *checkpoint.Store, bus *eventbus.Bus, opts Options) *Manager {
	client := opts.WebhookClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Manager{
		eng:            eng,
		taskQueue:      taskQueue,
		store:          store,
		models:         models,
		checkpoints:    checkpoints,
		bus:            bus,
		webhookClient:  client,
		webhookLimiter: opts.WebhookLimiter,
		logger:         logger,
		inFlight:       make(map[string]*inFlightRun),
	}
}

// Start launches a run (spec §4.6 "Start"). Metadata is persisted before
// any validation so every attempt is recorded, even a rejected one.
func (m *Manager) Start(ctx context.Context, req StartRequest) (Record, error) {
	now := time.Now()
	runName := req.RunName
	if runName == "" {
		runName = req.ThreadID
	}
	rec := Record{
		ThreadID:    req.ThreadID,
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		RunName:     runName,
		SOP:         req.SOP,
		LLMModel:    req.LLMModel,
		CallbackURL: req.CallbackURL,
		AckKey:      req.AckKey,
		Broadcast:   req.Broadcast,
		Status:      StatusRunning,
		DataStore:   req.InitialData,
		CreatedAt:   now,
	}
	if err := m.store.Upsert(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("runmgr: persist run metadata: %w", err)
	}

	if req.AckKey != "" {
		m.bus.PublishAdmin(ctx, eventbus.AdminEvent{
			Type: "ack", ThreadID: req.ThreadID,
			Payload: map[string]any{"ack_key": req.AckKey},
		})
	}

	if !m.models.Valid(req.LLMModel) {
		rec.Status = StatusFailed
		rec.Error = fmt.Sprintf("unknown llm model %q", req.LLMModel)
		rec.CompletedAt = time.Now()
		_ = m.store.Upsert(ctx, rec)
		m.bus.PublishAdmin(ctx, eventbus.AdminEvent{
			Type: "run_rejected", ThreadID: req.ThreadID,
			Payload: map[string]any{"error": rec.Error},
		})
		return rec, ErrInvalidModel
	}

	m.seedCheckpoint(ctx, req.ThreadID, req.InitialData, now)

	handle, err := m.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        req.ThreadID,
		Workflow:  graph.WorkflowName,
		TaskQueue: m.taskQueue,
		Input: graph.RunInput{
			ThreadID:    req.ThreadID,
			WorkspaceID: req.WorkspaceID,
			SOP:         req.SOP,
			LLMModel:    req.LLMModel,
			DataStore:   req.InitialData,
		},
	})
	if err != nil {
		rec.Status = StatusError
		rec.Error = err.Error()
		rec.CompletedAt = time.Now()
		_ = m.store.Upsert(ctx, rec)
		return rec, fmt.Errorf("runmgr: start workflow: %w", err)
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.inFlight[req.ThreadID] = &inFlightRun{handle: handle, done: done}
	m.mu.Unlock()

	m.bus.PublishAdmin(ctx, eventbus.AdminEvent{Type: "run_started", ThreadID: req.ThreadID})
	go m.finish(rec, handle, done)

	if req.AwaitResponse {
		<-done
		final, ok, err := m.store.Load(ctx, req.ThreadID)
		if err != nil {
			return Record{}, err
		}
		if !ok {
			return Record{}, ErrNotFound
		}
		return final, nil
	}
	return rec, nil
}

// seedCheckpoint writes an ordinal-0 checkpoint before the workflow's own
// transitions begin, so a crash between Start and the first planner
// decision still leaves a recoverable baseline (spec §4.6 "seed the
// checkpoint store").
func (m *Manager) seedCheckpoint(ctx context.Context, threadID string, initial map[string]any, now time.Time) {
	if m.checkpoints == nil {
		return
	}
	_ = m.checkpoints.Put(ctx, checkpoint.Tuple{
		Config: checkpoint.Config{ThreadID: threadID, Namespace: "graph.run"},
		Checkpoint: checkpoint.Checkpoint{
			ID:        uuid.NewString(),
			State:     initial,
			CreatedAt: now,
		},
		Metadata: checkpoint.Metadata{Source: "run_manager.seed"},
	})
}

// finish waits for handle to complete (or suspend) and persists the
// outcome. A non-terminal RunOutput (an in-flight REST callback suspension,
// spec §4.5) marks the run paused; only a true terminal status flushes the
// event bus and fires the callback webhook.
func (m *Manager) finish(rec Record, handle engine.WorkflowHandle, done chan struct{}) {
	defer close(done)
	ctx := context.Background()

	var out graph.RunOutput
	waitErr := handle.Wait(ctx, &out)

	m.mu.Lock()
	delete(m.inFlight, rec.ThreadID)
	m.mu.Unlock()

	if waitErr != nil {
		rec.Status = StatusError
		rec.Error = waitErr.Error()
		rec.CompletedAt = time.Now()
		_ = m.store.Upsert(ctx, rec)
		m.bus.PublishAdmin(ctx, eventbus.AdminEvent{Type: "status_updated", ThreadID: rec.ThreadID, Payload: map[string]any{"status": rec.Status}})
		m.dispatchWebhook(rec)
		return
	}

	rec.DataStore = out.DataStore
	switch out.Status {
	case "completed":
		rec.Status = StatusCompleted
	case "failed":
		rec.Status = StatusFailed
		rec.Error = out.Error
		rec.FailedSkill = out.FailedSkill
	default:
		// The invocation suspended (REST await_callback) rather than
		// terminating; its checkpoints stay in the fast tier for
		// ResolveCallback to resume.
		rec.Status = StatusPaused
		_ = m.store.Upsert(ctx, rec)
		return
	}
	rec.CompletedAt = time.Now()
	_ = m.store.Upsert(ctx, rec)
	m.bus.Flush(ctx, rec.ThreadID)
	m.bus.PublishAdmin(ctx, eventbus.AdminEvent{Type: "status_updated", ThreadID: rec.ThreadID, Payload: map[string]any{"status": rec.Status}})
	m.dispatchWebhook(rec)
}

// Get returns a run's current metadata.
func (m *Manager) Get(ctx context.Context, threadID string) (Record, error) {
	rec, ok, err := m.store.Load(ctx, threadID)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Stop cancels threadID's task, waits up to stopGracePeriod for cooperative
// shutdown, then marks the run cancelled regardless (spec §4.6 "Stop").
func (m *Manager) Stop(ctx context.Context, threadID string) (Record, error) {
	m.mu.Lock()
	inf, ok := m.inFlight[threadID]
	m.mu.Unlock()
	if !ok {
		return Record{}, ErrNotFound
	}

	if err := inf.handle.Cancel(ctx); err != nil {
		m.logger.Warn(ctx, "runmgr: cancel failed", "thread_id", threadID, "error", err)
	}
	select {
	case <-inf.done:
	case <-time.After(stopGracePeriod):
	}

	rec, ok, err := m.store.Load(ctx, threadID)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrNotFound
	}
	if rec.Status == StatusRunning || rec.Status == StatusPaused {
		rec.Status = StatusCancelled
		rec.CompletedAt = time.Now()
		if err := m.store.Upsert(ctx, rec); err != nil {
			return Record{}, err
		}
		m.bus.Flush(ctx, threadID)
		m.bus.PublishAdmin(ctx, eventbus.AdminEvent{Type: "run_cancelled", ThreadID: threadID})
		m.dispatchWebhook(rec)
	}
	return rec, nil
}

var rerunSuffix = regexp.MustCompile(`\s*\(Rerun #\d+\)\s*$`)

// Rerun clones parentThreadID's metadata onto newThreadID and restarts it
// from a clean data store (spec §4.6 "Rerun").
func (m *Manager) Rerun(ctx context.Context, parentThreadID, newThreadID string, caller Caller) (Record, error) {
	parent, ok, err := m.store.Load(ctx, parentThreadID)
	if err != nil {
		return Record{}, err
	}
	if !ok {
		return Record{}, ErrNotFound
	}
	if err := Authorize(caller, parent, nil); err != nil {
		return Record{}, err
	}
	if !m.models.Valid(parent.LLMModel) {
		return Record{}, ErrInvalidModel
	}

	rerunCount := parent.RerunCount + 1
	base := rerunSuffix.ReplaceAllString(parent.RunName, "")
	runName := fmt.Sprintf("%s (Rerun #%d)", base, rerunCount)

	rec, err := m.Start(ctx, StartRequest{
		ThreadID:    newThreadID,
		SOP:         parent.SOP,
		RunName:     runName,
		WorkspaceID: parent.WorkspaceID,
		UserID:      parent.UserID,
		LLMModel:    parent.LLMModel,
		CallbackURL: parent.CallbackURL,
		Broadcast:   parent.Broadcast,
	})
	if err != nil {
		return rec, err
	}
	rec.RerunCount = rerunCount
	rec.ParentThreadID = parentThreadID
	if err := m.store.Upsert(ctx, rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// ResolveCallback resumes a run suspended on a REST skill's await_callback
// interrupt (spec §4.3.2, §6 `POST /callback`). Because the REST executor's
// two-phase dispatch ends its workflow invocation at the suspension point
// rather than blocking inside it (checkpointed beforehand, spec §5
// "Suspension points"), resuming means restarting the same thread id with
// the callback's result merged into the last checkpointed data store,
// rather than signaling a still-running workflow. A callback for a skill
// that isn't pending (already resolved, or never dispatched) is a no-op,
// making duplicate delivery idempotent.
func (m *Manager) ResolveCallback(ctx context.Context, threadID, skillName string, result map[string]any, callbackErr string) error {
	if m.checkpoints == nil {
		return fmt.Errorf("runmgr: no checkpoint store configured")
	}
	tuple, ok := m.checkpoints.GetTuple(checkpoint.Config{ThreadID: threadID, Namespace: "graph.run"})
	if !ok {
		return fmt.Errorf("%w: thread %q", ErrNotFound, threadID)
	}
	dataStore := tuple.Checkpoint.State
	if dataStore == nil {
		dataStore = map[string]any{}
	}
	if !rest.ResolveCallback(dataStore, skillName) {
		return nil
	}
	if callbackErr != "" {
		dataStore["_error"] = callbackErr
		dataStore["_status"] = "failed"
		dataStore["_failed_skill"] = skillName
	} else {
		for key, value := range result {
			if err := dotpath.Set(dataStore, key, value); err != nil {
				return fmt.Errorf("runmgr: merge callback result key %q: %w", key, err)
			}
		}
	}

	rec, ok, err := m.store.Load(ctx, threadID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotFound
	}

	handle, err := m.eng.StartWorkflow(ctx, engine.WorkflowStartRequest{
		ID:        threadID,
		Workflow:  graph.WorkflowName,
		TaskQueue: m.taskQueue,
		Input: graph.RunInput{
			ThreadID:    threadID,
			WorkspaceID: rec.WorkspaceID,
			SOP:         rec.SOP,
			LLMModel:    rec.LLMModel,
			DataStore:   dataStore,
		},
	})
	if err != nil {
		return fmt.Errorf("runmgr: resume workflow: %w", err)
	}

	done := make(chan struct{})
	m.mu.Lock()
	m.inFlight[threadID] = &inFlightRun{handle: handle, done: done}
	m.mu.Unlock()
	rec.Status = StatusRunning
	_ = m.store.Upsert(ctx, rec)
	go m.finish(rec, handle, done)
	return nil
}

// Approve resumes a run paused at the human_review interrupt (spec §4.5,
// §6 `POST /approve/{thread_id}`). Unlike ResolveCallback, human_review
// blocks inside a still-live workflow invocation, so resuming is a signal
// delivery rather than a restart.
func (m *Manager) Approve(ctx context.Context, threadID string, approved bool, edits map[string]any) error {
	m.mu.Lock()
	inf, ok := m.inFlight[threadID]
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	return inf.handle.Signal(ctx, graph.SignalResume, graph.ApprovalPayload{Approved: approved, Edits: edits})
}

type webhookEnvelope struct {
	ThreadID     string    `json:"thread_id"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
	RunName      string    `json:"run_name"`
	CreatedAt    time.Time `json:"created_at"`
	LLMModel     string    `json:"llm_model"`
	FailedSkill  string    `json:"failed_skill,omitempty"`
	CompletedAt  time.Time `json:"completed_at"`
}

// dispatchWebhook fires rec's terminal-status callback as fire-and-forget
// (spec §4.6 "Callback webhook"): failures are logged but never affect the
// run's recorded status.
func (m *Manager) dispatchWebhook(rec Record) {
	if rec.CallbackURL == "" {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if m.webhookLimiter != nil {
			if err := m.webhookLimiter.Wait(ctx); err != nil {
				m.logger.Warn(ctx, "runmgr: webhook rate limit wait failed", "thread_id", rec.ThreadID, "error", err)
				return
			}
		}

		body, err := json.Marshal(webhookEnvelope{
			ThreadID: rec.ThreadID, Status: rec.Status, ErrorMessage: rec.Error, RunName: rec.RunName,
			CreatedAt: rec.CreatedAt, LLMModel: rec.LLMModel, FailedSkill: rec.FailedSkill, CompletedAt: rec.CompletedAt,
		})
		if err != nil {
			m.logger.Warn(ctx, "runmgr: marshal webhook envelope failed", "thread_id", rec.ThreadID, "error", err)
			return
		}
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, rec.CallbackURL, bytes.NewReader(body))
		if err != nil {
			m.logger.Warn(ctx, "runmgr: build webhook request failed", "thread_id", rec.ThreadID, "error", err)
			return
		}
		httpReq.Header.Set("Content-Type", "application/json")

		resp, err := m.webhookClient.Do(httpReq)
		if err != nil {
			m.logger.Warn(ctx, "runmgr: webhook dispatch failed", "thread_id", rec.ThreadID, "error", err)
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 300 {
			m.logger.Warn(ctx, "runmgr: webhook returned error status", "thread_id", rec.ThreadID, "status", resp.StatusCode)
		}
	}()
}
