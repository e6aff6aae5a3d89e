// Package inmem implements engine.Engine without any durable backend, for
// local development and tests (SPEC_FULL.md §5.1: the loop's code is
// identical whether it targets this or engine/temporal).
package inmem

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/sopforge/orchestrator/engine"
	"github.com/sopforge/orchestrator/telemetry"
)

// Engine is an in-process engine.Engine backed by goroutines and
// channels. It provides none of Temporal's durability guarantees; its
// purpose is to let the graph engine's planner→executor→router loop run
// identically in tests and in a non-durable local mode.
type Engine struct {
	mu         sync.Mutex
	workflows  map[string]engine.WorkflowDefinition
	activities map[string]engine.ActivityDefinition
	logger     telemetry.Logger
}

// New builds an in-memory engine.
func New(logger telemetry.Logger) *Engine {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Engine{
		workflows:  make(map[string]engine.WorkflowDefinition),
		activities: make(map[string]engine.ActivityDefinition),
		logger:     logger,
	}
}

// RegisterWorkflow implements engine.Engine.
func (e *Engine) RegisterWorkflow(_ context.Context, def engine.WorkflowDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.workflows[def.Name]; exists {
		return fmt.Errorf("inmem: workflow %q already registered", def.Name)
	}
	e.workflows[def.Name] = def
	return nil
}

// RegisterActivity implements engine.Engine.
func (e *Engine) RegisterActivity(_ context.Context, def engine.ActivityDefinition) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.activities[def.Name]; exists {
		return fmt.Errorf("inmem: activity %q already registered", def.Name)
	}
	e.activities[def.Name] = def
	return nil
}

// StartWorkflow implements engine.Engine, running the workflow's handler
// on a dedicated goroutine.
func (e *Engine) StartWorkflow(ctx context.Context, req engine.WorkflowStartRequest) (engine.WorkflowHandle, error) {
	e.mu.Lock()
	def, ok := e.workflows[req.Workflow]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("inmem: workflow %q not registered", req.Workflow)
	}

	runCtx, cancel := context.WithCancel(ctx)
	wfCtx := &workflowContext{
		ctx:      runCtx,
		id:       req.ID,
		runID:    req.ID,
		engine:   e,
		logger:   e.logger,
		signals:  make(map[string]*signalChannel),
		signalMu: &sync.Mutex{},
	}
	h := &handle{wfCtx: wfCtx, cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)
		result, err := def.Handler(wfCtx, req.Input)
		h.mu.Lock()
		h.result, h.err = result, err
		h.mu.Unlock()
	}()
	return h, nil
}

// activity looks up a registered activity by name.
func (e *Engine) activity(name string) (engine.ActivityDefinition, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	def, ok := e.activities[name]
	return def, ok
}

type handle struct {
	wfCtx  *workflowContext
	cancel context.CancelFunc
	done   chan struct{}

	mu     sync.Mutex
	result any
	err    error
}

func (h *handle) Wait(ctx context.Context, result any) error {
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.err != nil {
		return h.err
	}
	return assign(result, h.result)
}

func (h *handle) Signal(_ context.Context, name string, payload any) error {
	h.wfCtx.channel(name).deliver(payload)
	return nil
}

func (h *handle) Cancel(_ context.Context) error {
	h.cancel()
	return nil
}

type workflowContext struct {
	ctx    context.Context
	id     string
	runID  string
	engine *Engine
	logger telemetry.Logger

	signalMu *sync.Mutex
	signals  map[string]*signalChannel
}

func (c *workflowContext) Context() context.Context { return c.ctx }
func (c *workflowContext) WorkflowID() string        { return c.id }
func (c *workflowContext) RunID() string             { return c.runID }
func (c *workflowContext) Logger() telemetry.Logger  { return c.logger }
func (c *workflowContext) Now() time.Time            { return time.Now() }

func (c *workflowContext) channel(name string) *signalChannel {
	c.signalMu.Lock()
	defer c.signalMu.Unlock()
	ch, ok := c.signals[name]
	if !ok {
		ch = &signalChannel{ch: make(chan any, 16)}
		c.signals[name] = ch
	}
	return ch
}

func (c *workflowContext) SignalChannel(name string) engine.SignalChannel {
	return c.channel(name)
}

func (c *workflowContext) ExecuteActivity(ctx context.Context, req engine.ActivityRequest, result any) error {
	def, ok := c.engine.activity(req.Name)
	if !ok {
		return fmt.Errorf("inmem: activity %q not registered", req.Name)
	}
	out, err := def.Handler(ctx, req.Input)
	if err != nil {
		return err
	}
	return assign(result, out)
}

func (c *workflowContext) ExecuteActivityAsync(ctx context.Context, req engine.ActivityRequest) (engine.Future, error) {
	def, ok := c.engine.activity(req.Name)
	if !ok {
		return nil, fmt.Errorf("inmem: activity %q not registered", req.Name)
	}
	f := &future{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		out, err := def.Handler(ctx, req.Input)
		f.result, f.err = out, err
	}()
	return f, nil
}

type future struct {
	done   chan struct{}
	result any
	err    error
}

func (f *future) Get(ctx context.Context, result any) error {
	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if f.err != nil {
		return f.err
	}
	return assign(result, f.result)
}

func (f *future) IsReady() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

type signalChannel struct {
	ch chan any
}

func (s *signalChannel) deliver(payload any) {
	s.ch <- payload
}

func (s *signalChannel) Receive(ctx context.Context, dest any) error {
	select {
	case v := <-s.ch:
		return assign(dest, v)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *signalChannel) ReceiveAsync(dest any) bool {
	select {
	case v := <-s.ch:
		return assign(dest, v) == nil
	default:
		return false
	}
}

// assign copies value into the location dest points to. Both engine.Future
// and engine.SignalChannel pass arbitrary values across a `result any`
// boundary the same way the teacher's Temporal adapter marshals/unmarshals
// across process boundaries; in-memory, a reflect-based assignment plays
// the same role without serialization.
func assign(dest any, value any) error {
	if dest == nil || value == nil {
		return nil
	}
	dv := reflect.ValueOf(dest)
	if dv.Kind() != reflect.Ptr {
		return fmt.Errorf("inmem: destination must be a pointer, got %T", dest)
	}
	elem := dv.Elem()
	vv := reflect.ValueOf(value)
	if !vv.Type().AssignableTo(elem.Type()) {
		return fmt.Errorf("inmem: cannot assign %T into %s", value, elem.Type())
	}
	elem.Set(vv)
	return nil
}
