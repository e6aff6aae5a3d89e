package graph

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sopforge/orchestrator/checkpoint"
	"github.com/sopforge/orchestrator/dotpath"
	"github.com/sopforge/orchestrator/executor"
	"github.com/sopforge/orchestrator/skill"

	"github.com/sopforge/orchestrator/engine"
)

// checkpointNamespace is the checkpoint.Config.Namespace every graph run
// writes under (spec §4.2).
const checkpointNamespace = "graph.run"

const (
	// WorkflowName is the name the graph's workflow is registered under
	// with an engine.Engine.
	WorkflowName = "graph.run"

	activityPlan    = "graph.plan_next"
	activityExecute = "graph.execute_skill"
)

// RunInput starts a run's graph (spec §3 "Run State").
type RunInput struct {
	ThreadID    string
	WorkspaceID *string
	SOP         string
	LLMModel    string
	DataStore   map[string]any
}

// RunOutput is the graph's terminal state, returned from StartWorkflow's
// handle (await_response path, spec §4.6).
type RunOutput struct {
	DataStore   map[string]any
	Status      string
	Error       string
	FailedSkill string
}

// executeActivityInput/executeActivityOutput cross the engine.Engine
// activity boundary; AwaitCallback/Err are plain fields rather than Go
// errors since Temporal's data converter would otherwise opaque-wrap
// sentinel errors like executor.ErrAwaitCallback.
type executeActivityInput struct {
	SkillName   string
	Input       map[string]any
	DataStore   map[string]any
	WorkspaceID *string
}

type executeActivityOutput struct {
	Result        map[string]any
	AwaitCallback bool
	Err           string
}

type planActivityInput struct {
	LLMModel    string
	SOP         string
	DataStore   map[string]any
	RESTPending map[string]struct{}
	Sequence    []string
	WorkspaceID *string
}

// Graph wires the skill registry, planner, and executor router into the
// planner→executor→router workflow loop (spec §4.5).
type Graph struct {
	skills      *skill.Registry
	planner     *Planner
	executors   *ExecutorRouter
	checkpoints *checkpoint.Store
}

// NewGraph builds a Graph ready to register with an engine.Engine.
// checkpoints may be nil, in which case Run skips writing checkpoints
// entirely (useful for tests that don't exercise recovery).
func NewGraph(skills *skill.Registry, planner *Planner, executors *ExecutorRouter, checkpoints *checkpoint.Store) *Graph {
	return &Graph{skills: skills, planner: planner, executors: executors, checkpoints: checkpoints}
}

// RegisterWith registers the graph's workflow and its two backing
// activities (planning, skill execution) with eng.
func (g *Graph) RegisterWith(ctx context.Context, eng engine.Engine, taskQueue string) error {
	if err := eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name:    activityPlan,
		Handler: g.planActivity,
		Options: engine.ActivityOptions{Queue: taskQueue},
	}); err != nil {
		return err
	}
	if err := eng.RegisterActivity(ctx, engine.ActivityDefinition{
		Name:    activityExecute,
		Handler: g.executeActivity,
		Options: engine.ActivityOptions{Queue: taskQueue},
	}); err != nil {
		return err
	}
	return eng.RegisterWorkflow(ctx, engine.WorkflowDefinition{
		Name:      WorkflowName,
		TaskQueue: taskQueue,
		Handler:   g.Run,
	})
}

func (g *Graph) planActivity(ctx context.Context, raw any) (any, error) {
	in, ok := raw.(planActivityInput)
	if !ok {
		return nil, fmt.Errorf("graph: plan activity received unexpected input %T", raw)
	}
	skills := g.skills.List(in.WorkspaceID)
	avail := ComputeAvailability(skills, in.DataStore, in.RESTPending, in.Sequence)
	return g.planner.Plan(ctx, in.LLMModel, in.SOP, avail, skills)
}

func (g *Graph) executeActivity(ctx context.Context, raw any) (any, error) {
	in, ok := raw.(executeActivityInput)
	if !ok {
		return nil, fmt.Errorf("graph: execute activity received unexpected input %T", raw)
	}
	sk, err := g.skills.Get(in.SkillName, in.WorkspaceID)
	if err != nil {
		return executeActivityOutput{Err: err.Error()}, nil
	}
	if err := executor.CheckRequires(sk, in.Input); err != nil {
		return executeActivityOutput{Err: err.Error()}, nil
	}
	result, err := g.executors.Execute(ctx, sk, in.Input, in.DataStore)
	if err != nil {
		if errors.Is(err, executor.ErrAwaitCallback) {
			return executeActivityOutput{AwaitCallback: true}, nil
		}
		return executeActivityOutput{Err: err.Error()}, nil
	}
	return executeActivityOutput{Result: result}, nil
}

// Run is the graph's engine.WorkflowFunc: the durable planner→executor→
// router loop (spec §4.5).
func (g *Graph) Run(wf engine.WorkflowContext, rawInput any) (any, error) {
	in, ok := rawInput.(RunInput)
	if !ok {
		return nil, fmt.Errorf("graph: workflow received unexpected input %T", rawInput)
	}

	rs := &RunState{
		ThreadID:  in.ThreadID,
		DataStore: in.DataStore,
	}
	if rs.DataStore == nil {
		rs.DataStore = map[string]any{}
	}
	rs.DataStore["sop"] = in.SOP

	ctrl := NewInterruptController(wf)
	ctx := wf.Context()

	for {
		if route, short := ShortCircuit(rs.DataStore, rs.RESTPending); short {
			if route == RouteEnd {
				break
			}
		}

		decision, err := g.plan(ctx, wf, in, rs)
		if err != nil {
			return nil, err
		}
		rs.History = append(rs.History, PlannerAnnotation{Skill: decision.NextAgent, Reasoning: decision.Reasoning, At: wf.Now()})
		g.checkpoint(ctx, rs, "planner", wf.Now())
		if decision.NextAgent == EndSentinel {
			if rs.Status == "" {
				rs.Status = "completed"
				rs.DataStore["_status"] = "completed"
			}
			break
		}

		rs.ExecutionSequence = append(rs.ExecutionSequence, decision.NextAgent)
		if loop, reason := DetectLoop(rs.ExecutionSequence); loop {
			rs.MarkFailed(decision.NextAgent, reason)
			break
		}

		sk, err := g.skills.Get(decision.NextAgent, in.WorkspaceID)
		if err != nil {
			rs.MarkFailed(decision.NextAgent, err.Error())
			break
		}

		skillInput := inputFor(sk, rs.DataStore)
		out, err := g.execute(ctx, wf, decision.NextAgent, skillInput, rs, in.WorkspaceID)
		if err != nil {
			rs.MarkFailed(decision.NextAgent, err.Error())
			break
		}
		if out.AwaitCallback {
			rs.MarkPending(decision.NextAgent)
			g.checkpoint(ctx, rs, decision.NextAgent, wf.Now())
			break
		}
		if out.Err != "" {
			rs.MarkFailed(decision.NextAgent, out.Err)
			break
		}
		if err := mergeResult(rs.DataStore, out.Result); err != nil {
			rs.MarkFailed(decision.NextAgent, err.Error())
			break
		}
		g.checkpoint(ctx, rs, decision.NextAgent, wf.Now())

		switch RouteAfterExec(sk) {
		case RouteAwaitCallback:
			payload, err := ctrl.AwaitCallback(ctx)
			if err != nil {
				return nil, err
			}
			rs.ClearPending(decision.NextAgent)
			if payload.Err != "" {
				rs.MarkFailed(decision.NextAgent, payload.Err)
				break
			}
			if err := mergeResult(rs.DataStore, payload.Result); err != nil {
				rs.MarkFailed(decision.NextAgent, err.Error())
			}
			g.checkpoint(ctx, rs, decision.NextAgent+".callback", wf.Now())
		case RouteHumanReview:
			payload, err := ctrl.AwaitResume(ctx)
			if err != nil {
				return nil, err
			}
			if !payload.Approved {
				rs.MarkFailed(decision.NextAgent, "rejected in human review")
				break
			}
			if err := mergeResult(rs.DataStore, payload.Edits); err != nil {
				rs.MarkFailed(decision.NextAgent, err.Error())
			}
			g.checkpoint(ctx, rs, decision.NextAgent+".human_review", wf.Now())
		}
		if rs.Status == "failed" {
			break
		}
	}

	// Flush only on a true terminal status; a break for a pending REST
	// callback or human_review interrupt leaves the run active, so its
	// checkpoints stay in the fast tier for the resuming invocation.
	if g.checkpoints != nil && (rs.Status == "completed" || rs.Status == "failed") {
		g.checkpoint(ctx, rs, "terminal", wf.Now())
		if err := g.checkpoints.Flush(ctx, rs.ThreadID); err != nil {
			return nil, fmt.Errorf("graph: flush checkpoints for thread %q: %w", rs.ThreadID, err)
		}
	}

	return RunOutput{
		DataStore:   rs.DataStore,
		Status:      rs.Status,
		Error:       rs.Error,
		FailedSkill: rs.FailedSkill,
	}, nil
}

func (g *Graph) plan(ctx context.Context, wf engine.WorkflowContext, in RunInput, rs *RunState) (PlannerDecision, error) {
	var decision PlannerDecision
	err := wf.ExecuteActivity(ctx, engine.ActivityRequest{
		Name: activityPlan,
		Input: planActivityInput{
			LLMModel:    in.LLMModel,
			SOP:         in.SOP,
			DataStore:   rs.DataStore,
			RESTPending: rs.RESTPending,
			Sequence:    rs.ExecutionSequence,
			WorkspaceID: in.WorkspaceID,
		},
	}, &decision)
	return decision, err
}

func (g *Graph) execute(ctx context.Context, wf engine.WorkflowContext, skillName string, input map[string]any, rs *RunState, workspaceID *string) (executeActivityOutput, error) {
	var out executeActivityOutput
	err := wf.ExecuteActivity(ctx, engine.ActivityRequest{
		Name: activityExecute,
		Input: executeActivityInput{
			SkillName:   skillName,
			Input:       input,
			DataStore:   rs.DataStore,
			WorkspaceID: workspaceID,
		},
	}, &out)
	return out, err
}

// checkpoint writes rs's current state to the checkpoint store under
// source, the node name that produced this transition (spec §4.2 "Write
// path"). A nil store (e.g. in tests that don't exercise recovery) makes
// this a no-op.
func (g *Graph) checkpoint(ctx context.Context, rs *RunState, source string, now time.Time) {
	if g.checkpoints == nil {
		return
	}
	rs.writeOrdinal++
	id := uuid.NewString()
	_ = g.checkpoints.Put(ctx, checkpoint.Tuple{
		Config: checkpoint.Config{ThreadID: rs.ThreadID, Namespace: checkpointNamespace},
		Checkpoint: checkpoint.Checkpoint{
			ID:                 id,
			ParentCheckpointID: rs.lastCheckpointID,
			State:              rs.DataStore,
			WriteOrdinal:       rs.writeOrdinal,
			CreatedAt:          now,
		},
		Metadata: checkpoint.Metadata{Source: source, Step: rs.writeOrdinal},
	})
	rs.lastCheckpointID = id
}

// inputFor narrows data_store to the keys sk.Requires (spec §4.3: "an
// input context drawn from the skill's requires keys").
func inputFor(sk *skill.Skill, dataStore map[string]any) map[string]any {
	input := make(map[string]any, len(sk.Requires))
	for _, key := range sk.Requires {
		if v, ok := dotpath.Get(dataStore, key); ok {
			input[key] = v
		}
	}
	return input
}

// mergeResult applies spec §4.5's setPathValue merge: dot-notation keys
// create intermediate mappings in data_store.
func mergeResult(dataStore map[string]any, result map[string]any) error {
	for key, value := range result {
		if err := dotpath.Set(dataStore, key, value); err != nil {
			return fmt.Errorf("graph: merge result key %q: %w", key, err)
		}
	}
	return nil
}
