// Package graph implements the Graph Engine (C5, spec §4.5): the small
// planner→executor→router state machine that drives a run, its loop
// detector, and the interrupt-before semantics for human_review and
// await_callback. The loop itself is engine-agnostic (runs identically
// on engine/temporal and engine/inmem), grounded on the teacher's
// runtime/agent engine/interrupt packages, now reference-only.
package graph

import "time"

// PlannerAnnotation records why the planner chose a skill, supplementing
// spec §4.5's bare {next_agent, reasoning} with a history entry kept in
// RunState.History for the life of the invocation; it is not written to
// checkpoints (SPEC_FULL.md §10, "Structured planner annotations").
type PlannerAnnotation struct {
	Skill     string
	Reasoning string
	At        time.Time
}

// RunState is the durable state a run's graph operates over: the data
// accumulated by skill execution, the execution history the loop
// detector and router inspect, and terminal-failure fields set by the
// loop detector or a failed skill.
type RunState struct {
	ThreadID string

	DataStore map[string]any

	// ExecutionSequence records every skill name in the order it was
	// dispatched by the executor node (spec §4.5, loop detector input).
	ExecutionSequence []string

	// History carries one PlannerAnnotation per planner decision.
	History []PlannerAnnotation

	// RESTPending tracks skills awaiting a REST callback
	// (`_rest_pending` in spec §4.5's short-circuit rule).
	RESTPending map[string]struct{}

	// ParentRunID names a parent run, carried from the teacher's
	// ParentRunID/ParentToolCallID lineage (SPEC_FULL.md §10). Nothing in
	// this repository sets it: a pipeline `skill` step runs inline through
	// ExecutorRouter.Dispatch within the same run.
	ParentRunID string

	Status      string
	Error       string
	FailedSkill string

	// writeOrdinal and lastCheckpointID track the monotonically increasing
	// checkpoint.Checkpoint chain for this run (spec §4.2); maintained by
	// Graph.checkpoint.
	writeOrdinal     int64
	lastCheckpointID string
}

// Status returns "_status" from DataStore for callers that only have the
// raw map (e.g. the executor's MapProduces output merge path).
func Status(dataStore map[string]any) string {
	if v, ok := dataStore["_status"]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// MarkFailed sets the failure fields the loop detector and executor
// short-circuit on (spec §4.5).
func (rs *RunState) MarkFailed(failedSkill, errMsg string) {
	rs.Status = "failed"
	rs.Error = errMsg
	rs.FailedSkill = failedSkill
	if rs.DataStore == nil {
		rs.DataStore = map[string]any{}
	}
	rs.DataStore["_status"] = "failed"
	rs.DataStore["_error"] = errMsg
	rs.DataStore["_failed_skill"] = failedSkill
}

// MarkPending records that a skill is awaiting a REST callback.
func (rs *RunState) MarkPending(skillName string) {
	if rs.RESTPending == nil {
		rs.RESTPending = make(map[string]struct{})
	}
	rs.RESTPending[skillName] = struct{}{}
}

// ClearPending removes a skill's pending marker (idempotent callback
// resolution, spec §4.3.2).
func (rs *RunState) ClearPending(skillName string) {
	delete(rs.RESTPending, skillName)
}
