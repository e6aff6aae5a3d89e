package graph

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sopforge/orchestrator/skill"
)

func TestRouteAfterExecREST(t *testing.T) {
	require.Equal(t, RouteAwaitCallback, RouteAfterExec(&skill.Skill{Executor: skill.ExecutorREST}))
}

func TestRouteAfterExecHITL(t *testing.T) {
	require.Equal(t, RouteHumanReview, RouteAfterExec(&skill.Skill{Executor: skill.ExecutorLLM, HITLEnabled: true}))
}

func TestRouteAfterExecDefaultsToPlanner(t *testing.T) {
	require.Equal(t, RoutePlanner, RouteAfterExec(&skill.Skill{Executor: skill.ExecutorLLM}))
}

func TestShortCircuitOnFailedStatus(t *testing.T) {
	route, short := ShortCircuit(map[string]any{"_status": "failed"}, nil)
	require.True(t, short)
	require.Equal(t, RouteEnd, route)
}

func TestShortCircuitOnRESTPending(t *testing.T) {
	route, short := ShortCircuit(map[string]any{}, map[string]struct{}{"ship": {}})
	require.True(t, short)
	require.Equal(t, RouteEnd, route)
}

func TestNoShortCircuitOnClearState(t *testing.T) {
	_, short := ShortCircuit(map[string]any{}, nil)
	require.False(t, short)
}
