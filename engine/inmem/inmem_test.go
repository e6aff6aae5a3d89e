package inmem

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sopforge/orchestrator/engine"
)

func TestStartWorkflowExecutesActivityAndReturnsResult(t *testing.T) {
	e := New(nil)
	ctx := context.Background()

	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "double",
		Handler: func(_ context.Context, input any) (any, error) {
			return input.(int) * 2, nil
		},
	}))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "doubler",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			var out int
			err := wfCtx.ExecuteActivity(wfCtx.Context(), engine.ActivityRequest{Name: "double", Input: input}, &out)
			return out, err
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-1", Workflow: "doubler", Input: 21})
	require.NoError(t, err)

	var result int
	require.NoError(t, handle.Wait(ctx, &result))
	require.Equal(t, 42, result)
}

func TestSignalChannelDeliversAfterSend(t *testing.T) {
	e := New(nil)
	ctx := context.Background()

	received := make(chan string, 1)
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "waiter",
		Handler: func(wfCtx engine.WorkflowContext, _ any) (any, error) {
			var payload string
			if err := wfCtx.SignalChannel("resume").Receive(wfCtx.Context(), &payload); err != nil {
				return nil, err
			}
			received <- payload
			return payload, nil
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-2", Workflow: "waiter"})
	require.NoError(t, err)

	require.NoError(t, handle.Signal(ctx, "resume", "go"))

	select {
	case v := <-received:
		require.Equal(t, "go", v)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal delivery")
	}

	var result string
	require.NoError(t, handle.Wait(ctx, &result))
	require.Equal(t, "go", result)
}

func TestCancelStopsWorkflowContext(t *testing.T) {
	e := New(nil)
	ctx := context.Background()

	started := make(chan struct{})
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "cancelable",
		Handler: func(wfCtx engine.WorkflowContext, _ any) (any, error) {
			close(started)
			<-wfCtx.Context().Done()
			return nil, wfCtx.Context().Err()
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-3", Workflow: "cancelable"})
	require.NoError(t, err)

	<-started
	require.NoError(t, handle.Cancel(ctx))

	var result any
	err = handle.Wait(ctx, &result)
	require.Error(t, err)
}

func TestExecuteActivityAsyncFuture(t *testing.T) {
	e := New(nil)
	ctx := context.Background()

	require.NoError(t, e.RegisterActivity(ctx, engine.ActivityDefinition{
		Name: "slow",
		Handler: func(_ context.Context, input any) (any, error) {
			return input, nil
		},
	}))
	require.NoError(t, e.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name: "asyncer",
		Handler: func(wfCtx engine.WorkflowContext, input any) (any, error) {
			future, err := wfCtx.ExecuteActivityAsync(wfCtx.Context(), engine.ActivityRequest{Name: "slow", Input: input})
			if err != nil {
				return nil, err
			}
			var out any
			if err := future.Get(wfCtx.Context(), &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	}))

	handle, err := e.StartWorkflow(ctx, engine.WorkflowStartRequest{ID: "run-4", Workflow: "asyncer", Input: "hi"})
	require.NoError(t, err)

	var result string
	require.NoError(t, handle.Wait(ctx, &result))
	require.Equal(t, "hi", result)
}

func TestUnregisteredWorkflowErrors(t *testing.T) {
	e := New(nil)
	_, err := e.StartWorkflow(context.Background(), engine.WorkflowStartRequest{Workflow: "missing"})
	require.Error(t, err)
}
