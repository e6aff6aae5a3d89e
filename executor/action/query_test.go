package action

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/sopforge/orchestrator/skill"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE users (id INTEGER, name TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO users (id, name) VALUES (1, 'ada'), (2, 'grace')`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestQueryExecutorReadSQL(t *testing.T) {
	db := openTestDB(t)
	sk := &skill.Skill{
		Name:     "lookup",
		Requires: []string{"id"},
		Produces: []string{"query_result", "row_count"},
		ActionConfig: &skill.ActionConfig{
			Type: skill.ActionQuery,
			Query: &skill.QueryConfig{
				Source: skill.SourcePostgres,
				Query:  "SELECT * FROM users WHERE id = {id}",
			},
		},
	}
	q := NewQueryExecutor(map[skill.DataSource]*sql.DB{skill.SourcePostgres: db}, nil, "", nil, nil, "unused")

	out, err := q.Execute(context.Background(), sk, map[string]any{"id": "1"}, nil)
	require.NoError(t, err)
	require.Equal(t, 1, out["row_count"])
}

func TestQueryExecutorWriteSQLReturnsAffectedRows(t *testing.T) {
	db := openTestDB(t)
	sk := &skill.Skill{
		Name:     "rename",
		Requires: []string{"name"},
		Produces: []string{"affected_rows"},
		ActionConfig: &skill.ActionConfig{
			Type: skill.ActionQuery,
			Query: &skill.QueryConfig{
				Source: skill.SourcePostgres,
				Query:  "UPDATE users SET name = 'updated' WHERE name = '{name}'",
			},
		},
	}
	q := NewQueryExecutor(map[skill.DataSource]*sql.DB{skill.SourcePostgres: db}, nil, "", nil, nil, "unused")

	out, err := q.Execute(context.Background(), sk, map[string]any{"name": "ada"}, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, out["affected_rows"])
}

func TestQueryExecutorFailsWithoutCredential(t *testing.T) {
	sk := &skill.Skill{
		Name:     "lookup",
		Requires: []string{"id"},
		ActionConfig: &skill.ActionConfig{
			Type: skill.ActionQuery,
			Query: &skill.QueryConfig{
				Source: skill.SourcePostgres,
				Query:  "SELECT 1",
			},
		},
	}
	q := NewQueryExecutor(nil, nil, "", nil, nil, "")
	_, err := q.Execute(context.Background(), sk, map[string]any{"id": "1"}, nil)
	require.Error(t, err)
}
