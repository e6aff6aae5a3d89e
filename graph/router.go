package graph

import "github.com/sopforge/orchestrator/skill"

// Route names the four graph nodes (spec §4.5).
type Route string

const (
	RoutePlanner       Route = "planner"
	RouteExecutor      Route = "executor"
	RouteHumanReview   Route = "human_review"
	RouteAwaitCallback Route = "await_callback"
	RouteEnd           Route = "END"
)

// RouteAfterExec implements spec §4.5's router-after-executor rule: REST
// skills pause for a callback, HITL-enabled skills pause for review,
// everything else returns to the planner.
func RouteAfterExec(sk *skill.Skill) Route {
	if sk.Executor == skill.ExecutorREST {
		return RouteAwaitCallback
	}
	if sk.HITLEnabled {
		return RouteHumanReview
	}
	return RoutePlanner
}

// ShortCircuit implements spec §4.5's planner short-circuits: a failed
// run or a non-empty _rest_pending set routes straight to END without
// prompting the planner.
func ShortCircuit(dataStore map[string]any, restPending map[string]struct{}) (Route, bool) {
	if Status(dataStore) == "failed" {
		return RouteEnd, true
	}
	if len(restPending) > 0 {
		return RouteEnd, true
	}
	return "", false
}
