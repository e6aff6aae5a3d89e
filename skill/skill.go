// Package skill implements the skill registry (spec §3, §4.1): loading,
// merging, and serving skill definitions sourced from the filesystem and
// from a persistent store, filtered by workspace visibility.
package skill

import (
	"errors"
	"time"
)

// ExecutorKind discriminates the three executor kinds a skill can bind to;
// the action kind is further split by ActionType.
type ExecutorKind string

const (
	ExecutorLLM    ExecutorKind = "llm"
	ExecutorREST   ExecutorKind = "rest"
	ExecutorAction ExecutorKind = "action"
)

// ActionType discriminates the action executor sub-kinds (spec §4.3.3–4.3.5).
type ActionType string

const (
	// ActionFunction invokes a compiled inline function. Named
	// "python_function" to match the wire/manifest vocabulary this system's
	// lineage uses for UI-authored inline code, even though the runtime
	// compiles and executes it as Go, not Python.
	ActionFunction ActionType = "python_function"
	ActionQuery    ActionType = "data_query"
	ActionPipeline ActionType = "data_pipeline"
)

// DataSource enumerates backing stores the data-query action can target.
type DataSource string

const (
	SourcePostgres DataSource = "postgres"
	SourceMySQL    DataSource = "mysql"
	SourceMongoDB  DataSource = "mongodb"
	SourceRedis    DataSource = "redis"
)

type (
	// Skill is the unit of work the planner schedules and an executor runs
	// (spec §3).
	Skill struct {
		// ID is the stable persistent-store identity, empty for filesystem
		// skills. ModuleName is derived from Name and can change if Name
		// were mutable; ID never changes, which is what lets Save detect a
		// rename attempt against an existing row (spec §4.1, §8 invariant 8).
		ID               string
		Name             string
		Description      string
		Requires         []string
		Produces         []string
		OptionalProduces []string
		Executor         ExecutorKind
		HITLEnabled      bool
		Enabled          bool

		// LLM executor fields.
		Prompt       string
		SystemPrompt string
		LLMModel     string

		RESTConfig   *RESTConfig
		ActionConfig *ActionConfig

		// WorkspaceID is nil for filesystem/public skills, always visible.
		WorkspaceID *string
		OwnerID     string
		IsPublic    bool

		// ModuleName is derived: "fs.<name>" for filesystem skills,
		// "{workspace_code}.{slug(name)}" for persistent-store skills.
		ModuleName string

		// CompileDiagnostic is set when RegisterInlineCode/RegisterPipelineHelpers
		// found a syntax error for this skill. The skill stays loaded and
		// editable; execution fails with this diagnostic (spec §4.1).
		CompileDiagnostic *CompileDiagnostic

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// RESTConfig configures the REST executor (spec §4.3.2).
	RESTConfig struct {
		URL     string
		Method  string
		Headers map[string]string
		Timeout time.Duration
	}

	// ActionConfig configures one of the three action executor sub-kinds.
	ActionConfig struct {
		Type     ActionType
		Function *FunctionConfig
		Query    *QueryConfig
		Pipeline *PipelineConfig
	}

	// FunctionConfig names the inline compiled function to invoke (spec §4.3.3).
	FunctionConfig struct {
		Module   string
		Function string
		// Blocking requests worker-pool offload rather than direct invocation.
		Blocking bool
	}

	// QueryConfig configures the data-query action (spec §4.3.4).
	QueryConfig struct {
		Source        DataSource
		Query         string // SQL template, rendered with {dot.notation} placeholders
		Collection    string // mongodb/redis document selector
		Filter        map[string]any
		CredentialRef string
		DBConfigFile  string // deprecated, still honored
	}

	// PipelineConfig configures the data-pipeline action (spec §4.4),
	// defined fully in package pipeline; this only carries the raw step
	// specs so the skill package stays independent of the interpreter.
	PipelineConfig struct {
		Steps []PipelineStepSpec
	}

	// PipelineStepSpec is the skill-registry-facing shape of one pipeline
	// step; package pipeline parses this into its executable form.
	PipelineStepSpec struct {
		Kind         string // query | transform | merge | skill | parallel
		Name         string
		Output       any // string or []string
		RunIf        map[string]any
		SkipIf       map[string]any
		Query        *QueryConfig
		TransformFn  string
		InputKeys    []string
		SkillName    string
		SubSteps     []PipelineStepSpec // parallel branches
	}

	// CompileDiagnostic describes a syntax error found at save/load time in
	// UI-authored source (inline function or pipeline transform helpers).
	CompileDiagnostic struct {
		Message string
		Line    int
		Column  int
	}
)

var (
	// ErrNameImmutable is returned when Save attempts to change a skill's
	// name after creation (spec §4.1, §8 invariant 8).
	ErrNameImmutable = errors.New("skill: name is immutable after creation")
	// ErrConflict names a collision of two persistent skills on
	// (workspace_id, name). Registry.Reload does not return it: it logs
	// the duplicate and keeps the first skill.
	ErrConflict = errors.New("skill: duplicate name in workspace")
	// ErrNotFound indicates no skill matches the requested name/workspace.
	ErrNotFound = errors.New("skill: not found")
)

// Validate checks the invariants from spec §3: produces/optional_produces
// are disjoint, and executor-specific config matches the executor kind.
func (s *Skill) Validate() error {
	seen := make(map[string]struct{}, len(s.Produces))
	for _, p := range s.Produces {
		seen[p] = struct{}{}
	}
	for _, p := range s.OptionalProduces {
		if _, ok := seen[p]; ok {
			return errors.New("skill: produces and optional_produces must be disjoint: " + p)
		}
	}
	switch s.Executor {
	case ExecutorREST:
		if s.RESTConfig == nil {
			return errors.New("skill: rest executor requires rest_config")
		}
	case ExecutorAction:
		if s.ActionConfig == nil {
			return errors.New("skill: action executor requires action_config")
		}
		switch s.ActionConfig.Type {
		case ActionFunction:
			if s.ActionConfig.Function == nil {
				return errors.New("skill: python_function action requires module+function")
			}
		case ActionQuery:
			if s.ActionConfig.Query == nil {
				return errors.New("skill: data_query action requires query config")
			}
		case ActionPipeline:
			if s.ActionConfig.Pipeline == nil {
				return errors.New("skill: data_pipeline action requires steps")
			}
		default:
			return errors.New("skill: unknown action type " + string(s.ActionConfig.Type))
		}
	case ExecutorLLM:
		// prompt/system_prompt are optional; nothing to validate structurally.
	default:
		return errors.New("skill: unknown executor kind " + string(s.Executor))
	}
	return nil
}

// RequiresSet returns Requires as a set for membership tests.
func (s *Skill) RequiresSet() map[string]struct{} {
	return toSet(s.Requires)
}

// ProducesSet returns Produces as a set for membership tests.
func (s *Skill) ProducesSet() map[string]struct{} {
	return toSet(s.Produces)
}

func toSet(items []string) map[string]struct{} {
	out := make(map[string]struct{}, len(items))
	for _, it := range items {
		out[it] = struct{}{}
	}
	return out
}

// Visible reports whether a skill in this registry should be returned for
// the given workspace, per spec §4.1's filter contract: workspace-owned,
// filesystem (nil workspace), or public.
func (s *Skill) Visible(workspaceID *string) bool {
	if workspaceID == nil {
		return true
	}
	if s.WorkspaceID == nil {
		return true
	}
	if s.IsPublic {
		return true
	}
	return *s.WorkspaceID == *workspaceID
}
