package runmgr_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sopforge/orchestrator/checkpoint"
	"github.com/sopforge/orchestrator/engine/inmem"
	"github.com/sopforge/orchestrator/executor/action"
	"github.com/sopforge/orchestrator/executor/llm"
	"github.com/sopforge/orchestrator/executor/rest"
	"github.com/sopforge/orchestrator/eventbus"
	"github.com/sopforge/orchestrator/graph"
	"github.com/sopforge/orchestrator/model"
	"github.com/sopforge/orchestrator/runmgr"
	"github.com/sopforge/orchestrator/skill"
)

type fakeSkillStore struct{ skills []*skill.Skill }

func (f *fakeSkillStore) List(context.Context) ([]*skill.Skill, error) { return f.skills, nil }
func (f *fakeSkillStore) Upsert(context.Context, *skill.Skill) error   { return nil }

type alwaysMalformedModel struct{}

func (alwaysMalformedModel) Complete(context.Context, model.Request) (model.Response, error) {
	return model.Response{Text: "not json"}, nil
}

type fakeSlowTier struct {
	mu     sync.Mutex
	tuples map[string][]checkpoint.Tuple
}

func newFakeSlowTier() *fakeSlowTier { return &fakeSlowTier{tuples: map[string][]checkpoint.Tuple{}} }

func (f *fakeSlowTier) BatchInsert(_ context.Context, threadID string, tuples []checkpoint.Tuple) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tuples[threadID] = append(f.tuples[threadID], tuples...)
	return nil
}

func (f *fakeSlowTier) Latest(_ context.Context, threadID string) (checkpoint.Tuple, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ts := f.tuples[threadID]
	if len(ts) == 0 {
		return checkpoint.Tuple{}, false, nil
	}
	return ts[len(ts)-1], true, nil
}

func (f *fakeSlowTier) List(_ context.Context, threadID string, limit int) ([]checkpoint.Tuple, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tuples[threadID], nil
}

func (f *fakeSlowTier) RecordSystemError(context.Context, checkpoint.SystemError) error { return nil }

type fakeRunStore struct {
	mu      sync.Mutex
	records map[string]runmgr.Record
}

func newFakeRunStore() *fakeRunStore { return &fakeRunStore{records: map[string]runmgr.Record{}} }

func (s *fakeRunStore) Upsert(_ context.Context, rec runmgr.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.ThreadID] = rec
	return nil
}

func (s *fakeRunStore) Load(_ context.Context, threadID string) (runmgr.Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[threadID]
	return rec, ok, nil
}

type fakeWebhookClient struct {
	mu  sync.Mutex
	reqs []*http.Request
}

func (c *fakeWebhookClient) Do(req *http.Request) (*http.Response, error) {
	c.mu.Lock()
	c.reqs = append(c.reqs, req)
	c.mu.Unlock()
	return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
}

func (c *fakeWebhookClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.reqs)
}

// buildManager wires a two-skill catalog (collect_order -> enrich_order)
// behind action/function executors into a runmgr.Manager backed by an
// engine/inmem.Engine, mirroring graph_test.buildGraph.
func buildManager(t *testing.T, webhook *fakeWebhookClient) (*runmgr.Manager, *fakeRunStore) {
	t.Helper()

	actions := skill.NewActionRegistry()
	actions.RegisterNativeFunc("orders", "collect", func(input map[string]any) (map[string]any, error) {
		return map[string]any{"order.id": "ord_1"}, nil
	})
	actions.RegisterNativeFunc("orders", "enrich", func(input map[string]any) (map[string]any, error) {
		return map[string]any{"order.total": 42}, nil
	})

	store := &fakeSkillStore{skills: []*skill.Skill{
		{
			ID: "s1", Name: "collect_order", Enabled: true,
			Produces: []string{"order.id"},
			Executor: skill.ExecutorAction,
			ActionConfig: &skill.ActionConfig{
				Type:     skill.ActionFunction,
				Function: &skill.FunctionConfig{Module: "orders", Function: "collect"},
			},
		},
		{
			ID: "s2", Name: "enrich_order", Enabled: true,
			Requires: []string{"order.id"}, Produces: []string{"order.total"},
			Executor: skill.ExecutorAction,
			ActionConfig: &skill.ActionConfig{
				Type:     skill.ActionFunction,
				Function: &skill.FunctionConfig{Module: "orders", Function: "enrich"},
			},
		},
	}}

	registry, err := skill.New(context.Background(), skill.Options{Store: store, Actions: actions})
	require.NoError(t, err)

	models := model.NewRegistry()
	models.Register("test-model", alwaysMalformedModel{})
	planner := graph.NewPlanner(models)

	router := &graph.ExecutorRouter{
		Registry: registry,
		LLM:      llm.New(models),
		REST:     rest.New(rest.Options{}),
		Function: action.NewFunctionExecutor(actions),
	}

	slow := newFakeSlowTier()
	cpStore, err := checkpoint.New(context.Background(), checkpoint.Options{Slow: slow})
	require.NoError(t, err)

	g := graph.NewGraph(registry, planner, router, cpStore)

	eng := inmem.New(nil)
	require.NoError(t, g.RegisterWith(context.Background(), eng, "test-queue"))

	bus := eventbus.New(context.Background(), eventbus.Options{})
	runStore := newFakeRunStore()

	mgr := runmgr.New(eng, "test-queue", runStore, models, cpStore, bus, runmgr.Options{WebhookClient: webhook})
	return mgr, runStore
}

func TestStartAwaitResponseCompletesRun(t *testing.T) {
	webhook := &fakeWebhookClient{}
	mgr, _ := buildManager(t, webhook)

	rec, err := mgr.Start(context.Background(), runmgr.StartRequest{
		ThreadID: "thread-1", SOP: "collect then enrich", LLMModel: "test-model",
		UserID: "user-1", CallbackURL: "https://example.test/cb", AwaitResponse: true,
	})
	require.NoError(t, err)
	require.Equal(t, runmgr.StatusCompleted, rec.Status)
	require.Equal(t, "ord_1", rec.DataStore["order"].(map[string]any)["id"])

	require.Eventually(t, func() bool { return webhook.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestStartFireAndForgetReturnsImmediatelyThenGetReflectsCompletion(t *testing.T) {
	mgr, _ := buildManager(t, &fakeWebhookClient{})

	rec, err := mgr.Start(context.Background(), runmgr.StartRequest{
		ThreadID: "thread-2", SOP: "collect then enrich", LLMModel: "test-model", UserID: "user-1",
	})
	require.NoError(t, err)
	require.Equal(t, runmgr.StatusRunning, rec.Status)

	require.Eventually(t, func() bool {
		got, err := mgr.Get(context.Background(), "thread-2")
		return err == nil && got.Status == runmgr.StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestStartInvalidModelMarksFailedAndReturnsErr(t *testing.T) {
	mgr, store := buildManager(t, &fakeWebhookClient{})

	_, err := mgr.Start(context.Background(), runmgr.StartRequest{
		ThreadID: "thread-3", SOP: "collect", LLMModel: "no-such-model", UserID: "user-1",
	})
	require.ErrorIs(t, err, runmgr.ErrInvalidModel)

	rec, ok, err := store.Load(context.Background(), "thread-3")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, runmgr.StatusFailed, rec.Status)
}

func TestAuthorizeOwnershipAndWorkspace(t *testing.T) {
	ws := "workspace-a"
	rec := runmgr.Record{UserID: "user-1", WorkspaceID: &ws}

	require.NoError(t, runmgr.Authorize(runmgr.Caller{ID: "user-1"}, rec, nil))
	require.ErrorIs(t, runmgr.Authorize(runmgr.Caller{ID: "someone-else"}, rec, nil), runmgr.ErrForbidden)
	require.NoError(t, runmgr.Authorize(runmgr.Caller{ID: "admin", Admin: true}, rec, nil))

	otherWS := "workspace-b"
	require.ErrorIs(t, runmgr.Authorize(runmgr.Caller{ID: "user-1"}, rec, &otherWS), runmgr.ErrForbidden)
	require.NoError(t, runmgr.Authorize(runmgr.Caller{ID: "user-1"}, rec, &ws))
}
