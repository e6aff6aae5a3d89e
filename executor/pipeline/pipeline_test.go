package pipeline

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sopforge/orchestrator/skill"
)

func TestExecuteTransformAndMerge(t *testing.T) {
	actions := skill.NewActionRegistry()
	actions.RegisterNativeTransform("fs", "upper", func(input map[string]any) (any, error) {
		return "HELLO", nil
	})
	sk := &skill.Skill{
		Name:     "greet",
		Requires: []string{"name"},
		ActionConfig: &skill.ActionConfig{
			Type: skill.ActionPipeline,
			Pipeline: &skill.PipelineConfig{
				Steps: []skill.PipelineStepSpec{
					{Kind: "transform", Name: "shout", Output: "greeting", TransformFn: "fs.upper", InputKeys: []string{"name"}},
					{Kind: "merge", Name: "pack", Output: "bundle", InputKeys: []string{"name", "greeting"}},
				},
			},
		},
	}
	in := New(nil, actions, nil)

	out, err := in.Execute(context.Background(), sk, map[string]any{"name": "ada"}, nil)
	require.NoError(t, err)
	require.Equal(t, "HELLO", out["greeting"])
	bundle := out["bundle"].(map[string]any)
	require.Equal(t, "ada", bundle["name"])
	require.Equal(t, "HELLO", bundle["greeting"])
	require.NotContains(t, out, "name")
}

func TestExecuteConditionalSkipsStep(t *testing.T) {
	actions := skill.NewActionRegistry()
	actions.RegisterNativeTransform("fs", "mark", func(input map[string]any) (any, error) {
		return "ran", nil
	})
	sk := &skill.Skill{
		Name:     "maybe",
		Requires: []string{"flag"},
		ActionConfig: &skill.ActionConfig{
			Type: skill.ActionPipeline,
			Pipeline: &skill.PipelineConfig{
				Steps: []skill.PipelineStepSpec{
					{Kind: "transform", Name: "conditional", Output: "result", TransformFn: "fs.mark",
						RunIf: map[string]any{"field": "flag", "operator": "equals", "value": true}},
				},
			},
		},
	}
	in := New(nil, actions, nil)

	out, err := in.Execute(context.Background(), sk, map[string]any{"flag": false}, nil)
	require.NoError(t, err)
	require.NotContains(t, out, "result")
}

type fakeDispatcher struct {
	calls []string
}

func (f *fakeDispatcher) Dispatch(_ context.Context, name string, input map[string]any, _ map[string]any) (map[string]any, error) {
	f.calls = append(f.calls, name)
	return map[string]any{"nested": true}, nil
}

func TestExecuteSkillStepReentersDispatcher(t *testing.T) {
	dispatcher := &fakeDispatcher{}
	sk := &skill.Skill{
		Name:     "outer",
		Requires: []string{"x"},
		ActionConfig: &skill.ActionConfig{
			Type: skill.ActionPipeline,
			Pipeline: &skill.PipelineConfig{
				Steps: []skill.PipelineStepSpec{
					{Kind: "skill", Name: "inner", Output: "nested", SkillName: "child_skill", InputKeys: []string{"x"}},
				},
			},
		},
	}
	in := New(nil, skill.NewActionRegistry(), dispatcher)

	out, err := in.Execute(context.Background(), sk, map[string]any{"x": 1}, nil)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"nested": true}, out["nested"])
	require.Equal(t, []string{"child_skill"}, dispatcher.calls)
}

func TestExecuteParallelUnionsBranchOutputs(t *testing.T) {
	actions := skill.NewActionRegistry()
	actions.RegisterNativeTransform("fs", "a", func(input map[string]any) (any, error) { return "A", nil })
	actions.RegisterNativeTransform("fs", "b", func(input map[string]any) (any, error) { return "B", nil })
	sk := &skill.Skill{
		Name:     "fanout",
		Requires: []string{"x"},
		ActionConfig: &skill.ActionConfig{
			Type: skill.ActionPipeline,
			Pipeline: &skill.PipelineConfig{
				Steps: []skill.PipelineStepSpec{
					{Kind: "parallel", Name: "group", SubSteps: []skill.PipelineStepSpec{
						{Kind: "transform", Name: "one", Output: "a_out", TransformFn: "fs.a"},
						{Kind: "transform", Name: "two", Output: "b_out", TransformFn: "fs.b"},
					}},
				},
			},
		},
	}
	in := New(nil, actions, nil)

	out, err := in.Execute(context.Background(), sk, map[string]any{"x": 1}, nil)
	require.NoError(t, err)
	require.Equal(t, "A", out["a_out"])
	require.Equal(t, "B", out["b_out"])
}

func TestApplyOutputPositionalMapping(t *testing.T) {
	pctx := map[string]any{}
	err := applyOutput([]string{"a", "b"}, []any{1, 2}, pctx, nil)
	require.NoError(t, err)
	require.Equal(t, 1, pctx["a"])
	require.Equal(t, 2, pctx["b"])
}

func TestApplyOutputDictMissingKeyFatal(t *testing.T) {
	pctx := map[string]any{}
	err := applyOutput([]string{"a", "b"}, map[string]any{"a": 1}, pctx, nil)
	require.Error(t, err)
}
