// Package action implements the action executor kind's three sub-kinds
// (spec §4.3.3–4.3.5): inline compiled function, data query, and data
// pipeline (the latter delegated to executor/pipeline).
package action

import (
	"context"
	"fmt"

	"github.com/sopforge/orchestrator/executor"
	"github.com/sopforge/orchestrator/skill"
)

// FunctionExecutor implements executor.Executor for
// skill.ActionFunction configs (spec §4.3.3).
type FunctionExecutor struct {
	actions *skill.ActionRegistry
}

// NewFunctionExecutor binds a function executor to the registry holding
// compiled inline callables.
func NewFunctionExecutor(actions *skill.ActionRegistry) *FunctionExecutor {
	return &FunctionExecutor{actions: actions}
}

// Execute implements executor.Executor.
func (f *FunctionExecutor) Execute(ctx context.Context, sk *skill.Skill, input map[string]any, state map[string]any) (map[string]any, error) {
	if err := executor.CheckRequires(sk, input); err != nil {
		return nil, err
	}
	if sk.ActionConfig == nil || sk.ActionConfig.Function == nil {
		return nil, fmt.Errorf("action executor: skill %q missing function config", sk.Name)
	}
	if sk.CompileDiagnostic != nil {
		return nil, fmt.Errorf("action executor: skill %q has a compile error at %d:%d: %s",
			sk.Name, sk.CompileDiagnostic.Line, sk.CompileDiagnostic.Column, sk.CompileDiagnostic.Message)
	}
	cfg := sk.ActionConfig.Function
	fn, ok := f.actions.Resolve(cfg.Module, cfg.Function)
	if !ok {
		return nil, fmt.Errorf("action executor: no callable registered for %s.%s", cfg.Module, cfg.Function)
	}

	if cfg.Blocking {
		return f.invokeBlocking(ctx, fn, input)
	}
	result, err := fn(input)
	if err != nil {
		return nil, fmt.Errorf("action executor: skill %q: %w", sk.Name, err)
	}
	return result, nil
}

// invokeBlocking offloads fn to a goroutine so a synchronous/blocking
// inline function does not stall the run's cooperative event loop (spec
// §4.3.3 "invokes it ... on a worker thread / goroutine").
func (f *FunctionExecutor) invokeBlocking(ctx context.Context, fn skill.ActionFunc, input map[string]any) (map[string]any, error) {
	type outcome struct {
		result map[string]any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := fn(input)
		done <- outcome{result, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case o := <-done:
		if o.err != nil {
			return nil, fmt.Errorf("action executor: %w", o.err)
		}
		return o.result, nil
	}
}
