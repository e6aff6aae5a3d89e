// Package executor defines the shared contract every skill executor kind
// honors (spec §4.3): given a skill, an input context drawn from the
// skill's requires keys, and the current run state, produce a map of
// output keys satisfying the skill's produces contract.
package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/sopforge/orchestrator/skill"
)

var (
	// ErrMissingRequires is returned when the input context is missing a
	// key the skill declares in requires.
	ErrMissingRequires = errors.New("executor: missing required input")
	// ErrMissingProduces is returned when an executor's result omits a
	// key the skill declares in produces.
	ErrMissingProduces = errors.New("executor: missing declared produces key")
	// ErrAwaitCallback is returned by the REST executor to signal the
	// graph engine that the run must pause for an external callback
	// (spec §4.3.2, §4.5 router).
	ErrAwaitCallback = errors.New("executor: awaiting callback")
)

// Executor is the contract every executor kind implements.
type Executor interface {
	// Execute runs skill against input (a map of skill.Requires keys to
	// values) and the current run state, returning a map of output keys.
	// Implementations must not mutate state directly; side effects are
	// reported through the event bus by the caller, not the executor.
	Execute(ctx context.Context, sk *skill.Skill, input map[string]any, state map[string]any) (map[string]any, error)
}

// Warning is a non-fatal observation surfaced alongside a successful
// Execute call (extra produces keys ignored, unknown conditional
// operator defaulting open, etc). Executors accumulate these on a
// *Diagnostics passed by the caller rather than logging directly, so
// callers can route them through the event bus (spec §4.7).
type Warning struct {
	Message string
}

// Diagnostics collects non-fatal Warnings produced during one Execute call.
type Diagnostics struct {
	Warnings []Warning
}

// Warn appends a warning. Safe to call on a nil *Diagnostics.
func (d *Diagnostics) Warn(format string, args ...any) {
	if d == nil {
		return
	}
	d.Warnings = append(d.Warnings, Warning{Message: fmt.Sprintf(format, args...)})
}

// CheckRequires fails fatally (spec §4.3) if input is missing any key the
// skill declares in requires.
func CheckRequires(sk *skill.Skill, input map[string]any) error {
	var missing []string
	for _, key := range sk.Requires {
		if _, ok := input[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: skill %q missing %v", ErrMissingRequires, sk.Name, missing)
	}
	return nil
}

// MapProduces applies the output-mapping rules from spec §4.3:
//   - a single declared produces key must appear in result when
//     |produces| == 1;
//   - when |produces| > 1, every declared key must be present; extra
//     keys are dropped with a warning, never remapped positionally;
//   - a missing declared produces key is always a fatal error listing
//     every key that is missing;
//   - optional_produces keys are copied through when present, silently
//     skipped when absent.
func MapProduces(sk *skill.Skill, result map[string]any, diag *Diagnostics) (map[string]any, error) {
	var missing []string
	out := make(map[string]any, len(sk.Produces)+len(sk.OptionalProduces))
	for _, key := range sk.Produces {
		v, ok := result[key]
		if !ok {
			missing = append(missing, key)
			continue
		}
		out[key] = v
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: skill %q missing %v", ErrMissingProduces, sk.Name, missing)
	}
	for _, key := range sk.OptionalProduces {
		if v, ok := result[key]; ok {
			out[key] = v
		}
	}
	declared := make(map[string]struct{}, len(sk.Produces)+len(sk.OptionalProduces))
	for _, key := range sk.Produces {
		declared[key] = struct{}{}
	}
	for _, key := range sk.OptionalProduces {
		declared[key] = struct{}{}
	}
	for key := range result {
		if _, ok := declared[key]; !ok {
			diag.Warn("skill %q result contained undeclared key %q, ignored", sk.Name, key)
		}
	}
	return out, nil
}
