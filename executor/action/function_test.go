package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sopforge/orchestrator/skill"
)

func TestFunctionExecutorInvokesResolvedCallable(t *testing.T) {
	actions := skill.NewActionRegistry()
	actions.RegisterNativeFunc("fs", "double", func(input map[string]any) (map[string]any, error) {
		return map[string]any{"result": input["x"].(int) * 2}, nil
	})
	sk := &skill.Skill{
		Name:     "double",
		Requires: []string{"x"},
		Produces: []string{"result"},
		ActionConfig: &skill.ActionConfig{
			Type:     skill.ActionFunction,
			Function: &skill.FunctionConfig{Module: "fs", Function: "double"},
		},
	}
	e := NewFunctionExecutor(actions)

	out, err := e.Execute(context.Background(), sk, map[string]any{"x": 21}, nil)
	require.NoError(t, err)
	require.Equal(t, 42, out["result"])
}

func TestFunctionExecutorFailsWhenNoCallableRegistered(t *testing.T) {
	sk := &skill.Skill{
		Name:     "missing",
		Requires: []string{"x"},
		ActionConfig: &skill.ActionConfig{
			Type:     skill.ActionFunction,
			Function: &skill.FunctionConfig{Module: "fs", Function: "missing"},
		},
	}
	e := NewFunctionExecutor(skill.NewActionRegistry())

	_, err := e.Execute(context.Background(), sk, map[string]any{"x": 1}, nil)
	require.Error(t, err)
}

func TestFunctionExecutorSurfacesCompileDiagnostic(t *testing.T) {
	sk := &skill.Skill{
		Name:              "broken",
		Requires:          []string{"x"},
		CompileDiagnostic: &skill.CompileDiagnostic{Message: "unexpected }", Line: 3, Column: 1},
		ActionConfig: &skill.ActionConfig{
			Type:     skill.ActionFunction,
			Function: &skill.FunctionConfig{Module: "fs", Function: "broken"},
		},
	}
	e := NewFunctionExecutor(skill.NewActionRegistry())

	_, err := e.Execute(context.Background(), sk, map[string]any{"x": 1}, nil)
	require.Error(t, err)
}

func TestFunctionExecutorBlockingOffloadsToGoroutine(t *testing.T) {
	actions := skill.NewActionRegistry()
	actions.RegisterNativeFunc("fs", "slow", func(input map[string]any) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	sk := &skill.Skill{
		Name:     "slow",
		Requires: []string{},
		Produces: []string{"ok"},
		ActionConfig: &skill.ActionConfig{
			Type:     skill.ActionFunction,
			Function: &skill.FunctionConfig{Module: "fs", Function: "slow", Blocking: true},
		},
	}
	e := NewFunctionExecutor(actions)

	out, err := e.Execute(context.Background(), sk, map[string]any{}, nil)
	require.NoError(t, err)
	require.Equal(t, true, out["ok"])
}
