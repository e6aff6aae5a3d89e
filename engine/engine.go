// Package engine defines the pluggable durable-execution abstraction the
// graph engine (C5) runs its planner→executor→router loop against
// (SPEC_FULL.md §5.1), adapted from the teacher's workflow/activity
// engine interface so the loop's code is identical whether it runs on
// Temporal (engine/temporal) or in-memory (engine/inmem, tests and local
// dev).
package engine

import (
	"context"
	"time"

	"github.com/sopforge/orchestrator/telemetry"
)

type (
	// Engine abstracts workflow registration and execution.
	Engine interface {
		RegisterWorkflow(ctx context.Context, def WorkflowDefinition) error
		RegisterActivity(ctx context.Context, def ActivityDefinition) error
		StartWorkflow(ctx context.Context, req WorkflowStartRequest) (WorkflowHandle, error)
	}

	// WorkflowDefinition binds a workflow handler to a logical name.
	WorkflowDefinition struct {
		Name      string
		TaskQueue string
		Handler   WorkflowFunc
	}

	// WorkflowFunc is the run's planner→executor→router loop entry point.
	WorkflowFunc func(ctx WorkflowContext, input any) (any, error)

	// WorkflowContext exposes engine operations to the workflow loop.
	// Operations that interact with the engine (ExecuteActivity,
	// SignalChannel) must be deterministic under replay on durable
	// backends.
	WorkflowContext interface {
		Context() context.Context
		WorkflowID() string
		RunID() string
		ExecuteActivity(ctx context.Context, req ActivityRequest, result any) error
		ExecuteActivityAsync(ctx context.Context, req ActivityRequest) (Future, error)
		SignalChannel(name string) SignalChannel
		Logger() telemetry.Logger
		Now() time.Time
	}

	// Future represents a pending activity result for the pipeline's
	// `parallel` step (spec §4.4) and other fan-out execution.
	Future interface {
		Get(ctx context.Context, result any) error
		IsReady() bool
	}

	// ActivityDefinition registers an activity handler.
	ActivityDefinition struct {
		Name    string
		Handler ActivityFunc
		Options ActivityOptions
	}

	// ActivityFunc performs a side-effecting unit of work (skill
	// execution, webhook dispatch, ...) invoked from a workflow.
	ActivityFunc func(ctx context.Context, input any) (any, error)

	// ActivityOptions configures retry/timeout behavior for an activity.
	ActivityOptions struct {
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowStartRequest describes how to launch a run's workflow.
	WorkflowStartRequest struct {
		ID          string
		Workflow    string
		TaskQueue   string
		Input       any
		RetryPolicy RetryPolicy
	}

	// ActivityRequest describes one activity invocation from a workflow.
	ActivityRequest struct {
		Name        string
		Input       any
		Queue       string
		RetryPolicy RetryPolicy
		Timeout     time.Duration
	}

	// WorkflowHandle lets callers interact with a running workflow.
	WorkflowHandle interface {
		Wait(ctx context.Context, result any) error
		Signal(ctx context.Context, name string, payload any) error
		Cancel(ctx context.Context) error
	}

	// RetryPolicy defines retry semantics shared by workflows/activities.
	RetryPolicy struct {
		MaxAttempts        int
		InitialInterval    time.Duration
		BackoffCoefficient float64
	}

	// SignalChannel exposes signal delivery in an engine-agnostic way,
	// used by graph.InterruptController for human_review/await_callback
	// (spec §4.5 "Interrupts").
	SignalChannel interface {
		Receive(ctx context.Context, dest any) error
		ReceiveAsync(dest any) bool
	}
)
