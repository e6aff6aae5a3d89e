package graph

import (
	"context"

	"github.com/sopforge/orchestrator/engine"
)

// Signal channel names, adapted from the teacher's interrupt.Controller
// (pause/resume/clarify/results) to this system's two interrupt-before
// nodes (SPEC_FULL.md §5.2).
const (
	SignalPause    = "pause"
	SignalResume   = "resume"
	SignalCallback = "callback"
)

// ApprovalPayload resumes a paused human_review node, optionally with
// caller-edited data (spec §4.5, "approve/{thread_id}").
type ApprovalPayload struct {
	Approved bool
	Edits    map[string]any
}

// CallbackPayload resumes a paused await_callback node with the result
// a REST skill's external system posted back (spec §4.3.2).
type CallbackPayload struct {
	SkillName string
	Result    map[string]any
	Err       string
}

// InterruptController wraps the named signal channels the graph's
// human_review and await_callback nodes block on, generalizing the
// teacher's interrupt.Controller to this graph's two interrupt-before
// nodes.
type InterruptController struct {
	wf engine.WorkflowContext
}

// NewInterruptController builds a controller bound to a running
// workflow's signal channels.
func NewInterruptController(wf engine.WorkflowContext) *InterruptController {
	return &InterruptController{wf: wf}
}

// AwaitResume blocks the human_review node until approve/{thread_id}
// delivers a resume signal.
func (c *InterruptController) AwaitResume(ctx context.Context) (ApprovalPayload, error) {
	var payload ApprovalPayload
	if err := c.wf.SignalChannel(SignalResume).Receive(ctx, &payload); err != nil {
		return ApprovalPayload{}, err
	}
	return payload, nil
}

// AwaitCallback blocks the await_callback node until the REST callback
// endpoint delivers the skill's result.
func (c *InterruptController) AwaitCallback(ctx context.Context) (CallbackPayload, error) {
	var payload CallbackPayload
	if err := c.wf.SignalChannel(SignalCallback).Receive(ctx, &payload); err != nil {
		return CallbackPayload{}, err
	}
	return payload, nil
}

// TryResume is the non-blocking counterpart used by a polling status
// check before committing to a full Receive.
func (c *InterruptController) TryResume() (ApprovalPayload, bool) {
	var payload ApprovalPayload
	ok := c.wf.SignalChannel(SignalResume).ReceiveAsync(&payload)
	return payload, ok
}
