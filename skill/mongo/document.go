package mongo

import (
	"time"

	"github.com/sopforge/orchestrator/skill"
)

// skillDocument is the BSON shape stored for one dynamic skill. Executor
// sub-configs are flattened into optional fields rather than a oneof,
// matching how the rest of this lineage stores polymorphic config (see
// skill.ActionConfig's own Type-discriminated shape).
type skillDocument struct {
	ID               string         `bson:"_id"`
	WorkspaceID      string         `bson:"workspace_id"`
	Name             string         `bson:"name"`
	Description      string         `bson:"description"`
	Requires         []string       `bson:"requires,omitempty"`
	Produces         []string       `bson:"produces,omitempty"`
	OptionalProduces []string       `bson:"optional_produces,omitempty"`
	Executor         string         `bson:"executor"`
	HITLEnabled      bool           `bson:"hitl_enabled"`
	Enabled          bool           `bson:"enabled"`
	OwnerID          string         `bson:"owner_id,omitempty"`
	IsPublic         bool           `bson:"is_public"`

	Prompt       string `bson:"prompt,omitempty"`
	SystemPrompt string `bson:"system_prompt,omitempty"`
	LLMModel     string `bson:"llm_model,omitempty"`

	RESTURL     string            `bson:"rest_url,omitempty"`
	RESTMethod  string            `bson:"rest_method,omitempty"`
	RESTHeaders map[string]string `bson:"rest_headers,omitempty"`
	RESTTimeout time.Duration     `bson:"rest_timeout,omitempty"`

	ActionType     string         `bson:"action_type,omitempty"`
	ActionModule   string         `bson:"action_module,omitempty"`
	ActionFunction string         `bson:"action_function,omitempty"`
	ActionBlocking bool           `bson:"action_blocking,omitempty"`
	QuerySource    string         `bson:"query_source,omitempty"`
	Query          string         `bson:"query,omitempty"`
	QueryColl      string         `bson:"query_collection,omitempty"`
	QueryFilter    map[string]any `bson:"query_filter,omitempty"`
	CredentialRef  string         `bson:"credential_ref,omitempty"`
	DBConfigFile   string         `bson:"db_config_file,omitempty"`

	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func fromSkill(s *skill.Skill) skillDocument {
	var workspaceID string
	if s.WorkspaceID != nil {
		workspaceID = *s.WorkspaceID
	}
	doc := skillDocument{
		ID:               s.ID,
		WorkspaceID:      workspaceID,
		Name:             s.Name,
		Description:      s.Description,
		Requires:         s.Requires,
		Produces:         s.Produces,
		OptionalProduces: s.OptionalProduces,
		Executor:         string(s.Executor),
		HITLEnabled:      s.HITLEnabled,
		Enabled:          s.Enabled,
		OwnerID:          s.OwnerID,
		IsPublic:         s.IsPublic,
		Prompt:           s.Prompt,
		SystemPrompt:     s.SystemPrompt,
		LLMModel:         s.LLMModel,
		CreatedAt:        s.CreatedAt,
		UpdatedAt:        s.UpdatedAt,
	}
	if s.RESTConfig != nil {
		doc.RESTURL = s.RESTConfig.URL
		doc.RESTMethod = s.RESTConfig.Method
		doc.RESTHeaders = s.RESTConfig.Headers
		doc.RESTTimeout = s.RESTConfig.Timeout
	}
	if ac := s.ActionConfig; ac != nil {
		doc.ActionType = string(ac.Type)
		if ac.Function != nil {
			doc.ActionModule = ac.Function.Module
			doc.ActionFunction = ac.Function.Function
			doc.ActionBlocking = ac.Function.Blocking
		}
		if ac.Query != nil {
			doc.QuerySource = string(ac.Query.Source)
			doc.Query = ac.Query.Query
			doc.QueryColl = ac.Query.Collection
			doc.QueryFilter = ac.Query.Filter
			doc.CredentialRef = ac.Query.CredentialRef
			doc.DBConfigFile = ac.Query.DBConfigFile
		}
	}
	return doc
}

func (d skillDocument) toSkill() *skill.Skill {
	workspaceID := d.WorkspaceID
	s := &skill.Skill{
		ID:               d.ID,
		Name:             d.Name,
		Description:      d.Description,
		Requires:         d.Requires,
		Produces:         d.Produces,
		OptionalProduces: d.OptionalProduces,
		Executor:         skill.ExecutorKind(d.Executor),
		HITLEnabled:      d.HITLEnabled,
		Enabled:          d.Enabled,
		WorkspaceID:      &workspaceID,
		OwnerID:          d.OwnerID,
		IsPublic:         d.IsPublic,
		Prompt:           d.Prompt,
		SystemPrompt:     d.SystemPrompt,
		LLMModel:         d.LLMModel,
		CreatedAt:        d.CreatedAt,
		UpdatedAt:        d.UpdatedAt,
	}
	if d.RESTURL != "" || d.RESTMethod != "" {
		s.RESTConfig = &skill.RESTConfig{
			URL:     d.RESTURL,
			Method:  d.RESTMethod,
			Headers: d.RESTHeaders,
			Timeout: d.RESTTimeout,
		}
	}
	if d.ActionType != "" {
		ac := &skill.ActionConfig{Type: skill.ActionType(d.ActionType)}
		switch ac.Type {
		case skill.ActionFunction:
			ac.Function = &skill.FunctionConfig{
				Module:   d.ActionModule,
				Function: d.ActionFunction,
				Blocking: d.ActionBlocking,
			}
		case skill.ActionQuery:
			ac.Query = &skill.QueryConfig{
				Source:        skill.DataSource(d.QuerySource),
				Query:         d.Query,
				Collection:    d.QueryColl,
				Filter:        d.QueryFilter,
				CredentialRef: d.CredentialRef,
				DBConfigFile:  d.DBConfigFile,
			}
		}
		s.ActionConfig = ac
	}
	return s
}
