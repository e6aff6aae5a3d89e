package mongo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sopforge/orchestrator/skill"
)

func TestSkillDocumentRoundTrip(t *testing.T) {
	ws := "acme"
	original := &skill.Skill{
		ID:          "acme.lookup#1",
		Name:        "lookup",
		Description: "looks up a customer record",
		Requires:    []string{"customer_id"},
		Produces:    []string{"customer_record"},
		Executor:    skill.ExecutorAction,
		WorkspaceID: &ws,
		ActionConfig: &skill.ActionConfig{
			Type: skill.ActionQuery,
			Query: &skill.QueryConfig{
				Source:     skill.SourcePostgres,
				Query:      "select * from customers where id = {customer_id}",
				CredentialRef: "pg-prod",
			},
		},
	}

	doc := fromSkill(original)
	require.Equal(t, "acme", doc.WorkspaceID)
	require.Equal(t, string(skill.ActionQuery), doc.ActionType)

	restored := doc.toSkill()
	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, original.Name, restored.Name)
	assert.Equal(t, original.Requires, restored.Requires)
	require.NotNil(t, restored.ActionConfig)
	require.NotNil(t, restored.ActionConfig.Query)
	assert.Equal(t, skill.SourcePostgres, restored.ActionConfig.Query.Source)
	assert.Equal(t, "pg-prod", restored.ActionConfig.Query.CredentialRef)
}
