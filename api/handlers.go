package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/sopforge/orchestrator/checkpoint"
	"github.com/sopforge/orchestrator/graph"
	"github.com/sopforge/orchestrator/runmgr"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps a runmgr/checkpoint error to the HTTP status spec §6's
// endpoints imply: not-found runs 404, ownership violations 403, anything
// else the caller couldn't have fixed 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, runmgr.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, runmgr.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, runmgr.ErrInvalidModel):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// startRequest is the POST /start body (spec §6).
type startRequest struct {
	ThreadID      string         `json:"thread_id"`
	SOP           string         `json:"sop"`
	InitialData   map[string]any `json:"initial_data"`
	RunName       string         `json:"run_name"`
	AckKey        string         `json:"ack_key"`
	WorkspaceID   *string        `json:"workspace_id"`
	LLMModel      string         `json:"llm_model"`
	CallbackURL   string         `json:"callback_url"`
	Broadcast     bool           `json:"broadcast"`
	AwaitResponse bool           `json:"await_response"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	caller, _ := callerFromRequest(r)
	if caller.ID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-Id")
		return
	}
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ThreadID == "" || req.SOP == "" {
		writeError(w, http.StatusBadRequest, "thread_id and sop are required")
		return
	}

	rec, err := s.runs.Start(r.Context(), runmgr.StartRequest{
		ThreadID: req.ThreadID, SOP: req.SOP, InitialData: req.InitialData,
		RunName: req.RunName, AckKey: req.AckKey, WorkspaceID: req.WorkspaceID,
		UserID: caller.ID, LLMModel: req.LLMModel, CallbackURL: req.CallbackURL,
		Broadcast: req.Broadcast, AwaitResponse: req.AwaitResponse,
	})
	if err != nil && !errors.Is(err, runmgr.ErrInvalidModel) {
		writeError(w, statusFor(err), err.Error())
		return
	}
	status := http.StatusAccepted
	if errors.Is(err, runmgr.ErrInvalidModel) {
		status = http.StatusBadRequest
	} else if req.AwaitResponse {
		status = http.StatusOK
	}
	writeJSON(w, status, recordResponse(rec))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	threadID := vars["thread_id"]
	if err := s.authorizeRun(r, threadID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	rec, err := s.runs.Stop(r.Context(), threadID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, recordResponse(rec))
}

// rerunRequest is the POST /rerun/{thread_id} body (spec §6).
type rerunRequest struct {
	AckKey      string `json:"ack_key"`
	CallbackURL string `json:"callback_url"`
	Broadcast   bool   `json:"broadcast"`
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	parentThreadID := vars["thread_id"]
	caller, _ := callerFromRequest(r)
	if caller.ID == "" {
		writeError(w, http.StatusUnauthorized, "missing X-User-Id")
		return
	}
	var req rerunRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	newThreadID := r.Header.Get("X-New-Thread-Id")
	if newThreadID == "" {
		newThreadID = parentThreadID + ".rerun"
	}
	rec, err := s.runs.Rerun(r.Context(), parentThreadID, newThreadID, caller)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, recordResponse(rec))
}

// statusResponse is the GET /status/{thread_id} body (spec §6).
type statusResponse struct {
	IsPaused          bool           `json:"is_paused"`
	IsHumanReview     bool           `json:"is_human_review"`
	IsWaitingCallback bool           `json:"is_waiting_callback"`
	NextNode          string         `json:"next_node"`
	ActiveSkill       string         `json:"active_skill"`
	Data              map[string]any `json:"data"`
	Status            string         `json:"status"`
	Error             string         `json:"error,omitempty"`
	FailedSkill       string         `json:"failed_skill,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	threadID := vars["thread_id"]
	if err := s.authorizeRun(r, threadID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	rec, err := s.runs.Get(r.Context(), threadID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	resp := statusResponse{
		Data: rec.DataStore, Status: rec.Status, Error: rec.Error, FailedSkill: rec.FailedSkill,
		NextNode: "planner",
	}
	s.annotatePauseState(threadID, rec, &resp)
	writeJSON(w, http.StatusOK, resp)
}

// annotatePauseState fills in the interrupt-specific fields of resp from
// the latest fast-tier checkpoint, whose Metadata.Source names the node
// that produced it (graph.Graph.checkpoint): a bare skill name means the
// run paused right before routing to human_review or await_callback,
// while a ".human_review"/".callback" suffix means it already resumed.
func (s *Server) annotatePauseState(threadID string, rec runmgr.Record, resp *statusResponse) {
	if rec.DataStore != nil {
		if pending, ok := rec.DataStore["_rest_pending"].([]string); ok && len(pending) > 0 {
			resp.IsWaitingCallback = true
			resp.IsPaused = true
			resp.NextNode = string(graph.RouteAwaitCallback)
			resp.ActiveSkill = pending[0]
			return
		}
	}

	tuple, ok := s.checkpoints.GetTuple(checkpoint.Config{ThreadID: threadID, Namespace: graph.WorkflowName})
	if !ok || rec.Status != runmgr.StatusRunning {
		return
	}
	source := tuple.Metadata.Source
	if source == "" || source == "planner" || source == "terminal" || strings.Contains(source, ".") {
		return
	}
	sk, err := s.skills.Get(source, rec.WorkspaceID)
	if err != nil {
		return
	}
	resp.ActiveSkill = source
	if sk.HITLEnabled {
		resp.IsHumanReview = true
		resp.IsPaused = true
		resp.NextNode = string(graph.RouteHumanReview)
	}
}

// approveRequest is the POST /approve/{thread_id} body (spec §6):
// {"approved": bool, "edits": {...}}, where edits are merged into the
// data store. An empty or null body approves with no edits. Other
// top-level keys are ignored, so a bare data-store object is not applied
// as edits.
type approveRequest struct {
	Approved bool           `json:"approved"`
	Edits    map[string]any `json:"edits"`
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request, vars map[string]string) {
	threadID := vars["thread_id"]
	if err := s.authorizeRun(r, threadID); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	var req approveRequest
	req.Approved = true
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "malformed request body")
			return
		}
	}
	if err := s.runs.Approve(r.Context(), threadID, req.Approved, req.Edits); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resuming"})
}

// callbackRequest is the POST /callback body (spec §6).
type callbackRequest struct {
	ThreadID string         `json:"thread_id"`
	Skill    string         `json:"skill"`
	Data     map[string]any `json:"data"`
	Error    string         `json:"error"`
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.ThreadID == "" || req.Skill == "" {
		writeError(w, http.StatusBadRequest, "thread_id and skill are required")
		return
	}
	if err := s.runs.ResolveCallback(r.Context(), req.ThreadID, req.Skill, req.Data, req.Error); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "resuming"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// authorizeRun loads threadID's metadata and asserts the requesting caller
// owns it (spec §4.6 "Ownership"), additionally checking workspace scope
// when X-Workspace-Id is present.
func (s *Server) authorizeRun(r *http.Request, threadID string) error {
	caller, workspaceID := callerFromRequest(r)
	if caller.ID == "" {
		return errors.New("missing X-User-Id")
	}
	rec, err := s.runs.Get(r.Context(), threadID)
	if err != nil {
		return err
	}
	var ws *string
	if workspaceID != "" {
		ws = &workspaceID
	}
	return runmgr.Authorize(caller, rec, ws)
}

func recordResponse(rec runmgr.Record) map[string]any {
	return map[string]any{
		"thread_id":    rec.ThreadID,
		"run_name":     rec.RunName,
		"status":       rec.Status,
		"error":        rec.Error,
		"failed_skill": rec.FailedSkill,
		"rerun_count":  rec.RerunCount,
		"created_at":   rec.CreatedAt,
		"completed_at": rec.CompletedAt,
	}
}
