package skill

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/sopforge/orchestrator/telemetry"
)

// Store persists dynamic (non-filesystem) skills, keyed by
// (workspace_id, name) and by the derived module_name (spec §4.1, §6).
type Store interface {
	List(ctx context.Context) ([]*Skill, error)
	Upsert(ctx context.Context, s *Skill) error
}

// Registry is the in-memory skill catalog (C1). Filesystem and persisted
// skills are merged into a single map keyed by module_name; List and Get
// filter by the contract in spec §4.1.
type Registry struct {
	mu       sync.RWMutex
	byModule map[string]*Skill
	byID     map[string]*Skill // persisted skills only, keyed by Skill.ID
	fsDir    string
	store    Store
	actions  *ActionRegistry
	logger   telemetry.Logger
}

// Options configures a Registry.
type Options struct {
	FilesystemDir string
	Store         Store
	Actions       *ActionRegistry
	Logger        telemetry.Logger
}

// New constructs a Registry and performs an initial Reload.
func New(ctx context.Context, opts Options) (*Registry, error) {
	if opts.Actions == nil {
		opts.Actions = NewActionRegistry()
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NewNoopLogger()
	}
	r := &Registry{
		byModule: make(map[string]*Skill),
		byID:     make(map[string]*Skill),
		fsDir:    opts.FilesystemDir,
		store:    opts.Store,
		actions:  opts.Actions,
		logger:   opts.Logger,
	}
	if err := r.Reload(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload atomically rebuilds the merged map from both sources. A single
// malformed skill is logged and skipped; the rest of the registry still
// loads (spec §4.1 failure semantics).
func (r *Registry) Reload(ctx context.Context) error {
	next := make(map[string]*Skill)
	nextByID := make(map[string]*Skill)

	if r.fsDir != "" {
		fsSkills, err := LoadFilesystemSkills(r.fsDir, func(dirName string, err error) {
			r.logger.Warn(ctx, "skill registry: skipping malformed filesystem skill", "dir", dirName, "error", err)
		})
		if err != nil {
			return fmt.Errorf("skill registry: load filesystem skills: %w", err)
		}
		for _, s := range fsSkills {
			if err := s.Validate(); err != nil {
				r.logger.Warn(ctx, "skill registry: skipping invalid filesystem skill", "name", s.Name, "error", err)
				continue
			}
			next[s.ModuleName] = s
		}
	}

	if r.store != nil {
		dynamic, err := r.store.List(ctx)
		if err != nil {
			return fmt.Errorf("skill registry: load persistent skills: %w", err)
		}
		byWorkspaceName := make(map[string]*Skill)
		for _, s := range dynamic {
			if err := s.Validate(); err != nil {
				r.logger.Warn(ctx, "skill registry: skipping invalid persisted skill", "name", s.Name, "error", err)
				continue
			}
			s.ModuleName = moduleName(s.WorkspaceID, s.Name)
			wsKey := workspaceKey(s.WorkspaceID) + "/" + s.Name
			if existing, dup := byWorkspaceName[wsKey]; dup {
				r.logger.Warn(ctx, "skill registry: duplicate (workspace, name), keeping first",
					"name", s.Name, "workspace", wsKey, "existing_module", existing.ModuleName)
				continue
			}
			byWorkspaceName[wsKey] = s
			next[s.ModuleName] = s
			if s.ID != "" {
				nextByID[s.ID] = s
			}
		}
	}

	r.mu.Lock()
	r.byModule = next
	r.byID = nextByID
	r.mu.Unlock()
	return nil
}

// List returns a snapshot of skills visible to workspaceID, in no defined
// order.
func (r *Registry) List(workspaceID *string) []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Skill, 0, len(r.byModule))
	for _, s := range r.byModule {
		if s.Visible(workspaceID) {
			out = append(out, s)
		}
	}
	return out
}

// Get returns the skill named name visible to workspaceID.
func (r *Registry) Get(name string, workspaceID *string) (*Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byModule {
		if s.Name == name && s.Visible(workspaceID) {
			return s, nil
		}
	}
	return nil, ErrNotFound
}

// Save upserts a skill into the persistent store. The skill's name is
// immutable after creation (spec §4.1, §8 invariant 8): when s.ID names an
// existing row whose stored Name differs from s.Name, Save rejects the
// update with ErrNameImmutable rather than silently renaming it. A fresh
// skill (empty ID) is assigned a new module-scoped ID on first save.
func (r *Registry) Save(ctx context.Context, s *Skill) error {
	if s.WorkspaceID == nil {
		return fmt.Errorf("skill registry: cannot save a filesystem-scoped skill")
	}
	if err := s.Validate(); err != nil {
		return err
	}

	r.mu.RLock()
	var existing *Skill
	if s.ID != "" {
		existing = r.byID[s.ID]
	}
	r.mu.RUnlock()
	if existing != nil && existing.Name != s.Name {
		return ErrNameImmutable
	}

	now := time.Now()
	if existing != nil {
		s.CreatedAt = existing.CreatedAt
	} else {
		if s.ID == "" {
			s.ID = moduleName(s.WorkspaceID, s.Name) + "#" + fmt.Sprintf("%d", now.UnixNano())
		}
		s.CreatedAt = now
	}
	s.UpdatedAt = now
	s.ModuleName = moduleName(s.WorkspaceID, s.Name)

	if r.store == nil {
		return fmt.Errorf("skill registry: no persistent store configured")
	}
	if err := r.store.Upsert(ctx, s); err != nil {
		return err
	}
	stored := *s
	r.mu.Lock()
	r.byModule[s.ModuleName] = &stored
	r.byID[s.ID] = &stored
	r.mu.Unlock()
	return nil
}

// RegisterInlineCode compiles source and attaches a CompileDiagnostic to
// the named skill's module entry on failure, without removing it from the
// registry (spec §4.1).
func (r *Registry) RegisterInlineCode(moduleName, functionName, code string) error {
	diag, err := CompileInlineCode(code)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.byModule {
		if s.ModuleName == moduleName {
			s.CompileDiagnostic = diag
		}
	}
	return nil
}

// RegisterPipelineHelpers compiles pipeline transform helper source the
// same way as RegisterInlineCode.
func (r *Registry) RegisterPipelineHelpers(moduleName, code string) error {
	return r.RegisterInlineCode(moduleName, "__pipeline_helpers__", code)
}

// Actions exposes the action/transform callable registry backing this
// skill registry's inline-code skills.
func (r *Registry) Actions() *ActionRegistry { return r.actions }

var slugNonAlnum = regexp.MustCompile(`[^a-z0-9]+`)

// slug lowercases name and replaces runs of non-alphanumeric characters
// with a single hyphen, matching the "{workspace_code}.{slug(name)}"
// module-name derivation from spec §4.1/§6.
func slug(name string) string {
	s := slugNonAlnum.ReplaceAllString(strings.ToLower(name), "-")
	return strings.Trim(s, "-")
}

func moduleName(workspaceID *string, name string) string {
	return workspaceKey(workspaceID) + "." + slug(name)
}

func workspaceKey(workspaceID *string) string {
	if workspaceID == nil {
		return "fs"
	}
	return *workspaceID
}
