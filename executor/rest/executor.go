// Package rest implements the two-phase REST executor kind (spec §4.3.2):
// it dispatches a POST to the skill's configured endpoint and pauses the
// run for the async callback endpoint to resume it, rather than blocking
// on the remote call.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/sopforge/orchestrator/dotpath"
	"github.com/sopforge/orchestrator/executor"
	"github.com/sopforge/orchestrator/skill"
)

// restPendingKey is the data-store key listing skills dispatched and
// awaiting their callback. Execute's duplicate guard and ResolveCallback
// read it; the graph's planner tracks pending skills separately in
// graph.RunState.RESTPending.
const restPendingKey = "_rest_pending"

// HTTPDoer is satisfied by *http.Client, letting tests substitute a fake.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// dispatchPayload is POSTed to the skill's configured URL (spec §4.3.2).
type dispatchPayload struct {
	Skill           string         `json:"skill"`
	ThreadID        string         `json:"thread_id"`
	CallbackURL     string         `json:"callback_url"`
	Inputs          map[string]any `json:"inputs"`
	ExpectedOutputs []string       `json:"expected_outputs"`
	SOP             string         `json:"sop"`
}

// Executor implements executor.Executor for skill.ExecutorREST skills.
type Executor struct {
	client      HTTPDoer
	limiter     *rate.Limiter
	callbackURL string
}

// Options configures the REST executor.
type Options struct {
	Client HTTPDoer
	// Limiter rate-limits outbound dispatch requests. Nil disables limiting.
	Limiter *rate.Limiter
	// CallbackURL is this service's public callback endpoint, embedded in
	// the dispatch payload so the remote service knows where to post
	// results back (spec §6 `/callback`).
	CallbackURL string
}

// New builds a REST executor.
func New(opts Options) *Executor {
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Executor{client: client, limiter: opts.Limiter, callbackURL: opts.CallbackURL}
}

// Execute implements executor.Executor. On success it always returns
// executor.ErrAwaitCallback alongside a nil output map: the skill's
// produces are not available until the callback endpoint resumes the run.
func (e *Executor) Execute(ctx context.Context, sk *skill.Skill, input map[string]any, state map[string]any) (map[string]any, error) {
	if err := executor.CheckRequires(sk, input); err != nil {
		return nil, err
	}
	if sk.RESTConfig == nil {
		return nil, fmt.Errorf("rest executor: skill %q missing rest_config", sk.Name)
	}

	if alreadyPending(state, sk.Name) {
		// Duplicate guard (spec §4.3.2): a recovered run may re-enter the
		// executor node for a skill still awaiting its callback.
		return nil, executor.ErrAwaitCallback
	}

	url, err := dotpath.Render(sk.RESTConfig.URL, input)
	if err != nil {
		return nil, fmt.Errorf("rest executor: render url: %w", err)
	}

	threadID, _ := state["thread_id"].(string)
	sop, _ := state["sop"].(string)
	payload := dispatchPayload{
		Skill:           sk.Name,
		ThreadID:        threadID,
		CallbackURL:     e.callbackURL,
		Inputs:          input,
		ExpectedOutputs: append(append([]string{}, sk.Produces...), sk.OptionalProduces...),
		SOP:             sop,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("rest executor: marshal payload: %w", err)
	}

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rest executor: rate limit: %w", err)
		}
	}

	method := sk.RESTConfig.Method
	if method == "" {
		method = http.MethodPost
	}
	reqCtx := ctx
	if sk.RESTConfig.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, sk.RESTConfig.Timeout)
		defer cancel()
	}
	httpReq, err := http.NewRequestWithContext(reqCtx, method, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("rest executor: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range sk.RESTConfig.Headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("rest executor: dispatch: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("rest executor: dispatch to %s returned status %d", url, resp.StatusCode)
	}

	markPending(state, sk.Name)
	return nil, executor.ErrAwaitCallback
}

func alreadyPending(state map[string]any, name string) bool {
	pending, _ := state[restPendingKey].([]string)
	for _, p := range pending {
		if p == name {
			return true
		}
	}
	return false
}

func markPending(state map[string]any, name string) {
	pending, _ := state[restPendingKey].([]string)
	state[restPendingKey] = append(pending, name)
}

// ResolveCallback implements the callback endpoint's resume step (spec
// §4.3.2): removes name from _rest_pending and reports whether it was
// found (a second delivery of the same callback is a no-op, which is
// what makes it idempotent alongside the history marker the run manager
// records).
func ResolveCallback(state map[string]any, name string) bool {
	pending, _ := state[restPendingKey].([]string)
	out := pending[:0]
	found := false
	for _, p := range pending {
		if p == name {
			found = true
			continue
		}
		out = append(out, p)
	}
	state[restPendingKey] = out
	return found
}
