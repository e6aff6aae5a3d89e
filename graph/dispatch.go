package graph

import (
	"context"
	"fmt"

	"github.com/sopforge/orchestrator/executor"
	"github.com/sopforge/orchestrator/executor/action"
	"github.com/sopforge/orchestrator/executor/llm"
	"github.com/sopforge/orchestrator/executor/pipeline"
	"github.com/sopforge/orchestrator/executor/rest"
	"github.com/sopforge/orchestrator/skill"
)

// ExecutorRouter binds every executor kind to the skill registry and
// dispatches a chosen skill name to the right one (spec §4.3). It also
// implements pipeline.Dispatcher so a data_pipeline's `skill` step can
// re-enter the executor core without pipeline importing graph.
type ExecutorRouter struct {
	Registry    *skill.Registry
	WorkspaceID *string

	LLM      *llm.Executor
	REST     *rest.Executor
	Function *action.FunctionExecutor
	Pipeline *pipeline.Interpreter
	Query    *action.QueryExecutor
}

// Execute runs sk's bound executor kind against input and state,
// implementing executor.Executor so the workflow loop doesn't need a
// type switch at the call site. Every executor kind checks its requires
// itself, but only executor/llm maps its result onto produces (spec
// §4.3) internally; the other four kinds return their raw result, so
// Execute applies executor.MapProduces uniformly here rather than
// duplicating it in every executor.
func (r *ExecutorRouter) Execute(ctx context.Context, sk *skill.Skill, input map[string]any, state map[string]any) (map[string]any, error) {
	impl, err := r.forSkill(sk)
	if err != nil {
		return nil, err
	}
	result, err := impl.Execute(ctx, sk, input, state)
	if err != nil {
		// ErrAwaitCallback (REST's two-phase pause) and any other executor
		// error propagate unchanged; there's no result to map produces onto.
		return nil, err
	}
	if sk.Executor == skill.ExecutorLLM {
		return result, nil
	}
	return executor.MapProduces(sk, result, nil)
}

func (r *ExecutorRouter) forSkill(sk *skill.Skill) (executor.Executor, error) {
	switch sk.Executor {
	case skill.ExecutorLLM:
		return r.LLM, nil
	case skill.ExecutorREST:
		return r.REST, nil
	case skill.ExecutorAction:
		if sk.ActionConfig == nil {
			return nil, fmt.Errorf("graph: skill %q has no action_config", sk.Name)
		}
		switch sk.ActionConfig.Type {
		case skill.ActionFunction:
			return r.Function, nil
		case skill.ActionQuery:
			return r.Query, nil
		case skill.ActionPipeline:
			return r.Pipeline, nil
		default:
			return nil, fmt.Errorf("graph: skill %q has unknown action type %q", sk.Name, sk.ActionConfig.Type)
		}
	default:
		return nil, fmt.Errorf("graph: skill %q has unknown executor kind %q", sk.Name, sk.Executor)
	}
}

// Dispatch implements pipeline.Dispatcher: it resolves skillName in the
// same workspace as the enclosing run and executes it via whichever
// executor kind it declares, going through Execute so the requires/produces
// contract (spec §4.3) is enforced the same way a top-level skill step is.
func (r *ExecutorRouter) Dispatch(ctx context.Context, skillName string, input map[string]any, state map[string]any) (map[string]any, error) {
	sk, err := r.Registry.Get(skillName, r.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("graph: pipeline skill step: %w", err)
	}
	return r.Execute(ctx, sk, input, state)
}
