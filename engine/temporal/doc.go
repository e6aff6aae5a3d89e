// Package temporal adapts engine.Engine onto Temporal as the durable
// execution backend for the graph engine's planner→executor→router loop
// (SPEC_FULL.md §5.1). It is a narrowed port of the teacher's Temporal
// engine adapter: one worker per task queue, OTEL tracing/metrics wired
// through go.temporal.io/sdk/contrib/opentelemetry, and Temporal
// cancellation errors normalized to context.Canceled so the loop's
// classification code stays engine-agnostic.
//
// Unlike the teacher, this adapter has no child-workflow or typed
// planner/tool activity surface — SPEC_FULL.md's loop only needs
// RegisterWorkflow/RegisterActivity/StartWorkflow plus named signal
// channels for human_review (pause/resume) and await_callback.
package temporal
