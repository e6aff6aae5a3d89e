package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sopforge/orchestrator/api"
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

type fakeRESTBackend struct{ doCount int }

func (f *fakeRESTBackend) Do(req *http.Request) (*http.Response, error) {
	f.doCount++
	return &http.Response{StatusCode: 200, Body: http.NoBody}, nil
}

// buildServer wires a one-skill REST catalog (ship_order, await_callback)
// behind an api.Server, mirroring runmgr_test.buildManager's harness.
func buildServer(t *testing.T) *api.Server {
	t.Helper()

	actions := skill.NewActionRegistry()
	store := &fakeSkillStore{skills: []*skill.Skill{
		{
			ID: "s1", Name: "ship_order", Enabled: true,
			Produces: []string{"shipment.id"},
			Executor: skill.ExecutorREST,
			RESTConfig: &skill.RESTConfig{
				URL: "https://example.test/ship", Method: http.MethodPost,
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
		REST:     rest.New(rest.Options{Client: &fakeRESTBackend{}}),
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
	mgr := runmgr.New(eng, "test-queue", runStore, models, cpStore, bus, runmgr.Options{})

	return api.New(mgr, registry, bus, cpStore, nil)
}

func TestStartThenStatusShowsWaitingCallback(t *testing.T) {
	s := buildServer(t)
	handler := s.NewServer(context.Background())

	startBody := `{"thread_id":"t-1","sop":"ship it","llm_model":"test-model"}`
	req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(startBody))
	req.Header.Set("X-User-Id", "user-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/status/t-1", nil)
		req.Header.Set("X-User-Id", "user-1")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusOK {
			return false
		}
		var body map[string]any
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		waiting, _ := body["is_waiting_callback"].(bool)
		return waiting
	}, time.Second, 10*time.Millisecond)
}

func TestStatusForbiddenForNonOwner(t *testing.T) {
	s := buildServer(t)
	handler := s.NewServer(context.Background())

	req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(`{"thread_id":"t-2","sop":"ship it","llm_model":"test-model"}`))
	req.Header.Set("X-User-Id", "user-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/status/t-2", nil)
	req2.Header.Set("X-User-Id", "someone-else")
	rr2 := httptest.NewRecorder()
	handler.ServeHTTP(rr2, req2)
	require.Equal(t, http.StatusForbidden, rr2.Code)
}

func TestCallbackResolvesPendingRun(t *testing.T) {
	s := buildServer(t)
	handler := s.NewServer(context.Background())

	req := httptest.NewRequest(http.MethodPost, "/start", strings.NewReader(`{"thread_id":"t-3","sop":"ship it","llm_model":"test-model"}`))
	req.Header.Set("X-User-Id", "user-1")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusAccepted, rr.Code)

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/status/t-3", nil)
		req.Header.Set("X-User-Id", "user-1")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		var body map[string]any
		_ = json.Unmarshal(rr.Body.Bytes(), &body)
		waiting, _ := body["is_waiting_callback"].(bool)
		return waiting
	}, time.Second, 10*time.Millisecond)

	cbBody := `{"thread_id":"t-3","skill":"ship_order","data":{"shipment":{"id":"ship_1"}}}`
	cbReq := httptest.NewRequest(http.MethodPost, "/callback", strings.NewReader(cbBody))
	cbRR := httptest.NewRecorder()
	handler.ServeHTTP(cbRR, cbReq)
	require.Equal(t, http.StatusAccepted, cbRR.Code)

	require.Eventually(t, func() bool {
		req := httptest.NewRequest(http.MethodGet, "/status/t-3", nil)
		req.Header.Set("X-User-Id", "user-1")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		var body map[string]any
		_ = json.Unmarshal(rr.Body.Bytes(), &body)
		status, _ := body["status"].(string)
		return status == runmgr.StatusCompleted
	}, time.Second, 10*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	s := buildServer(t)
	handler := s.NewServer(context.Background())

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)
}
