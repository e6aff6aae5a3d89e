// Package pipeline implements the data-pipeline action executor kind
// (spec §4.3.5, §4.4): an ordered list of steps executed against a
// mutable local context, supporting query/transform/merge/skill/
// parallel/conditional step kinds.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/sopforge/orchestrator/executor"
	"github.com/sopforge/orchestrator/executor/action"
	"github.com/sopforge/orchestrator/skill"
)

// Warning mirrors executor.Warning; pipeline diagnostics are collected
// separately since a pipeline runs many steps per Execute call.
type Warning struct{ Message string }

// Diagnostics collects warnings raised while interpreting one pipeline
// (unknown operators defaulting open, undeclared output keys, ...).
type Diagnostics struct {
	Warnings []Warning
}

func (d *Diagnostics) Warn(format string, args ...any) {
	if d == nil {
		return
	}
	d.Warnings = append(d.Warnings, Warning{Message: fmt.Sprintf(format, args...)})
}

// Dispatcher re-enters the executor core for the `skill` step kind,
// looking up a named skill in the enclosing workspace and running it
// through whichever executor kind it declares (spec §4.4: "pipelines may
// compose arbitrarily"). The graph engine supplies the concrete
// implementation to avoid an import cycle between pipeline and graph.
type Dispatcher interface {
	Dispatch(ctx context.Context, skillName string, input map[string]any, state map[string]any) (map[string]any, error)
}

// Interpreter runs a skill.PipelineConfig's steps against an input
// context (spec §4.4).
type Interpreter struct {
	queries    *action.QueryExecutor
	actions    *skill.ActionRegistry
	dispatcher Dispatcher
}

// New builds a pipeline interpreter.
func New(queries *action.QueryExecutor, actions *skill.ActionRegistry, dispatcher Dispatcher) *Interpreter {
	return &Interpreter{queries: queries, actions: actions, dispatcher: dispatcher}
}

// Execute implements executor.Executor for skill.ActionPipeline configs.
// Only keys not present in the original input map are returned, per spec
// §4.4's "each step's outputs are merged top-level into context; only
// keys not present in the input map are returned from the pipeline."
func (in *Interpreter) Execute(ctx context.Context, sk *skill.Skill, input map[string]any, state map[string]any) (map[string]any, error) {
	if err := executor.CheckRequires(sk, input); err != nil {
		return nil, err
	}
	if sk.ActionConfig == nil || sk.ActionConfig.Pipeline == nil {
		return nil, fmt.Errorf("pipeline: skill %q missing pipeline config", sk.Name)
	}

	pctx := make(map[string]any, len(input))
	for k, v := range input {
		pctx[k] = v
	}
	diag := &Diagnostics{}
	if err := in.runSteps(ctx, sk.ActionConfig.Pipeline.Steps, pctx, state, diag); err != nil {
		return nil, fmt.Errorf("pipeline: skill %q: %w", sk.Name, err)
	}

	out := make(map[string]any)
	for k, v := range pctx {
		if _, present := input[k]; !present {
			out[k] = v
		}
	}
	return out, nil
}

func (in *Interpreter) runSteps(ctx context.Context, steps []skill.PipelineStepSpec, pctx map[string]any, state map[string]any, diag *Diagnostics) error {
	for _, step := range steps {
		if err := in.runStep(ctx, step, pctx, state, diag); err != nil {
			return err
		}
	}
	return nil
}

func (in *Interpreter) runStep(ctx context.Context, step skill.PipelineStepSpec, pctx map[string]any, state map[string]any, diag *Diagnostics) error {
	if len(step.SkipIf) > 0 && evalPredicate(step.SkipIf, pctx, diag) {
		return nil
	}
	if len(step.RunIf) > 0 && !evalPredicate(step.RunIf, pctx, diag) {
		return nil
	}

	switch step.Kind {
	case "query":
		return in.runQuery(ctx, step, pctx, diag)
	case "transform":
		return in.runTransform(step, pctx, diag)
	case "merge":
		return in.runMerge(step, pctx, diag)
	case "skill":
		return in.runSkill(ctx, step, pctx, state, diag)
	case "parallel":
		return in.runParallel(ctx, step, pctx, state, diag)
	default:
		return fmt.Errorf("unknown pipeline step kind %q", step.Kind)
	}
}

func (in *Interpreter) runQuery(ctx context.Context, step skill.PipelineStepSpec, pctx map[string]any, diag *Diagnostics) error {
	if step.Query == nil {
		return fmt.Errorf("query step %q missing query config", step.Name)
	}
	if in.queries == nil {
		return fmt.Errorf("query step %q: no query executor configured", step.Name)
	}
	// Build a throwaway skill wrapping the step's query config so the
	// shared QueryExecutor contract can be reused without a separate code path.
	stub := &skill.Skill{
		Name:         step.Name,
		Produces:     outputKeys(step.Output),
		ActionConfig: &skill.ActionConfig{Type: skill.ActionQuery, Query: step.Query},
	}
	result, err := in.queries.Execute(ctx, stub, pctx, nil)
	if err != nil {
		return err
	}
	return applyOutput(step.Output, result, pctx, diag)
}

func (in *Interpreter) runTransform(step skill.PipelineStepSpec, pctx map[string]any, diag *Diagnostics) error {
	if in.actions == nil {
		return fmt.Errorf("transform step %q: no action registry configured", step.Name)
	}
	parts := splitModuleFunction(step.TransformFn)
	fn, ok := in.actions.ResolveTransform(parts[0], parts[1])
	if !ok {
		return fmt.Errorf("transform step %q: no helper registered for %s", step.Name, step.TransformFn)
	}
	args := make(map[string]any, len(step.InputKeys))
	for _, key := range step.InputKeys {
		args[key] = pctx[key]
	}
	result, err := fn(args)
	if err != nil {
		return fmt.Errorf("transform step %q: %w", step.Name, err)
	}
	return applyOutput(step.Output, result, pctx, diag)
}

func (in *Interpreter) runMerge(step skill.PipelineStepSpec, pctx map[string]any, diag *Diagnostics) error {
	if len(step.InputKeys) < 2 {
		return fmt.Errorf("merge step %q requires at least 2 input keys", step.Name)
	}
	merged := make(map[string]any, len(step.InputKeys))
	for _, key := range step.InputKeys {
		merged[key] = pctx[key]
	}
	return applyOutput(step.Output, merged, pctx, diag)
}

func (in *Interpreter) runSkill(ctx context.Context, step skill.PipelineStepSpec, pctx map[string]any, state map[string]any, diag *Diagnostics) error {
	if in.dispatcher == nil {
		return fmt.Errorf("skill step %q: no dispatcher configured", step.Name)
	}
	args := make(map[string]any, len(step.InputKeys))
	for _, key := range step.InputKeys {
		args[key] = pctx[key]
	}
	result, err := in.dispatcher.Dispatch(ctx, step.SkillName, args, state)
	if err != nil {
		return fmt.Errorf("skill step %q invoking %q: %w", step.Name, step.SkillName, err)
	}
	return applyOutput(step.Output, result, pctx, diag)
}

// runParallel executes sub-steps concurrently against independent shallow
// copies of context, waits for all, and unions their outputs with
// last-write-wins on key conflicts in branch declaration order (spec
// §4.4, DESIGN.md open-question decision). One failing branch cancels the
// rest of the group.
func (in *Interpreter) runParallel(ctx context.Context, step skill.PipelineStepSpec, pctx map[string]any, state map[string]any, diag *Diagnostics) error {
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make([]map[string]any, len(step.SubSteps))
	errs := make([]error, len(step.SubSteps))

	var wg sync.WaitGroup
	for i, sub := range step.SubSteps {
		branchCtx := shallowCopy(pctx)
		wg.Add(1)
		go func(i int, sub skill.PipelineStepSpec, branchCtx map[string]any) {
			defer wg.Done()
			if err := in.runStep(groupCtx, sub, branchCtx, state, diag); err != nil {
				errs[i] = err
				cancel()
				return
			}
			results[i] = branchCtx
		}(i, sub, branchCtx)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return fmt.Errorf("parallel step %q: %w", step.Name, err)
		}
	}
	for _, branchCtx := range results {
		for k, v := range branchCtx {
			pctx[k] = v
		}
	}
	return nil
}

func shallowCopy(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func splitModuleFunction(ref string) [2]string {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == '.' {
			return [2]string{ref[:i], ref[i+1:]}
		}
	}
	return [2]string{"", ref}
}

func outputKeys(output any) []string {
	switch o := output.(type) {
	case string:
		return []string{o}
	case []string:
		return o
	default:
		return nil
	}
}

// applyOutput stores result under the step's declared output
// specification (spec §4.4's "Output specification"):
//   - output is a string: the whole result is stored under that key.
//   - output is a single-element list: same as the string case.
//   - output is a multi-element list and result is a dict: each listed
//     key must exist in the dict (missing is fatal).
//   - output is a multi-element list and result is a list/tuple of
//     matching length: positional mapping.
func applyOutput(output any, result any, pctx map[string]any, diag *Diagnostics) error {
	switch o := output.(type) {
	case string:
		pctx[o] = result
		return nil
	case []string:
		if len(o) == 0 {
			return fmt.Errorf("output list must not be empty")
		}
		if len(o) == 1 {
			pctx[o[0]] = result
			return nil
		}
		switch r := result.(type) {
		case map[string]any:
			var missing []string
			for _, key := range o {
				v, ok := r[key]
				if !ok {
					missing = append(missing, key)
					continue
				}
				pctx[key] = v
			}
			if len(missing) > 0 {
				return fmt.Errorf("output keys %v missing from step result", missing)
			}
			return nil
		case []any:
			if len(r) != len(o) {
				return fmt.Errorf("output list length %d does not match result length %d", len(o), len(r))
			}
			for i, key := range o {
				pctx[key] = r[i]
			}
			return nil
		default:
			return fmt.Errorf("multi-key output requires a dict or list result, got %T", result)
		}
	default:
		return fmt.Errorf("unsupported output specification %T", output)
	}
}
