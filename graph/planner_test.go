package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sopforge/orchestrator/model"
	"github.com/sopforge/orchestrator/skill"
)

func TestComputeAvailabilityRunnableRequiresCurrentKeys(t *testing.T) {
	skills := []*skill.Skill{
		{Name: "collect", Enabled: true, Produces: []string{"order.id"}},
		{Name: "enrich", Enabled: true, Requires: []string{"order.id"}, Produces: []string{"order.total"}},
	}
	avail := ComputeAvailability(skills, map[string]any{}, nil, nil)
	require.Len(t, avail.Runnable, 1)
	require.Equal(t, "collect", avail.Runnable[0].Name)
}

func TestComputeAvailabilityCompletedSkillNotRunnable(t *testing.T) {
	skills := []*skill.Skill{
		{Name: "collect", Enabled: true, Produces: []string{"order.id"}},
	}
	dataStore := map[string]any{"order": map[string]any{"id": "123"}}
	avail := ComputeAvailability(skills, dataStore, nil, []string{"collect"})
	require.Contains(t, avail.Completed, "collect")
	require.Empty(t, avail.Runnable)
}

func TestComputeAvailabilityRESTPendingSkillNotRunnable(t *testing.T) {
	skills := []*skill.Skill{{Name: "ship", Enabled: true}}
	pending := map[string]struct{}{"ship": {}}
	avail := ComputeAvailability(skills, map[string]any{}, pending, nil)
	require.Empty(t, avail.Runnable)
}

func TestComputeAvailabilityUnblockers(t *testing.T) {
	skills := []*skill.Skill{
		{Name: "fetch_customer", Enabled: true, Produces: []string{"customer.id"}},
		{Name: "send_invoice", Enabled: true, Requires: []string{"customer.id", "order.total"}},
		{Name: "compute_total", Enabled: true, Requires: []string{"cart.items"}, Produces: []string{"order.total"}},
	}
	dataStore := map[string]any{"cart": map[string]any{"items": []any{"a"}}}
	avail := ComputeAvailability(skills, dataStore, nil, nil)
	names := map[string]bool{}
	for _, sk := range avail.Unblockers {
		names[sk.Name] = true
	}
	require.True(t, names["compute_total"])
	require.True(t, names["fetch_customer"])
}

func TestApplyGuardrailAcceptsRunnableChoice(t *testing.T) {
	avail := Availability{Runnable: []*skill.Skill{{Name: "a"}, {Name: "b"}}}
	require.Equal(t, "b", applyGuardrail("b", avail))
}

func TestApplyGuardrailFallsBackToFirstRunnable(t *testing.T) {
	avail := Availability{Runnable: []*skill.Skill{{Name: "a"}, {Name: "b"}}}
	require.Equal(t, "a", applyGuardrail("not_a_real_skill", avail))
}

func TestApplyGuardrailFallsBackToUnblocker(t *testing.T) {
	avail := Availability{Unblockers: []*skill.Skill{{Name: "u"}}}
	require.Equal(t, "u", applyGuardrail("nonexistent", avail))
}

func TestApplyGuardrailFallsBackToEnd(t *testing.T) {
	avail := Availability{}
	require.Equal(t, EndSentinel, applyGuardrail("nonexistent", avail))
}

type fakeModelClient struct {
	text string
}

func (f *fakeModelClient) Complete(_ context.Context, _ model.Request) (model.Response, error) {
	return model.Response{Text: f.text}, nil
}

func TestPlanAppliesGuardrailToMalformedModelResponse(t *testing.T) {
	registry := model.NewRegistry()
	registry.Register("test-model", &fakeModelClient{text: "not json"})
	planner := NewPlanner(registry)

	avail := Availability{Runnable: []*skill.Skill{{Name: "only_option"}}}
	decision, err := planner.Plan(context.Background(), "test-model", "sop", avail, []*skill.Skill{{Name: "only_option"}})
	require.NoError(t, err)
	require.Equal(t, "only_option", decision.NextAgent)
}
