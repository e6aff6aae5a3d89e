package action

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/sopforge/orchestrator/dotpath"
	"github.com/sopforge/orchestrator/executor"
	"github.com/sopforge/orchestrator/skill"
)

// CredentialResolver resolves a skill's credential_ref (or the legacy
// db_config_file, or a configured global fallback) into a connection
// string, per spec §4.3.4's three-tier resolution order. The credential
// vault itself is an external collaborator (spec §1 out-of-scope); this
// is the narrow interface the orchestrator reaches it through.
type CredentialResolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// QueryExecutor implements executor.Executor for skill.ActionQuery
// configs (spec §4.3.4). SQL sources (postgres, mysql) are reached
// through database/sql; the caller registers one *sql.DB per source
// name via Register, using whatever driver it has imported elsewhere —
// no postgres/mysql driver appears in this codebase's dependency set
// (documented in DESIGN.md), so this package stays driver-agnostic.
type QueryExecutor struct {
	sqlDBs      map[skill.DataSource]*sql.DB
	mongoClient *mongo.Client
	mongoDB     string
	redisClient *redis.Client
	credentials CredentialResolver
	globalConn  string
}

// NewQueryExecutor builds a data-query executor. Any of mongoClient,
// redisClient may be nil if that source is unused; sqlDBs may be empty.
func NewQueryExecutor(sqlDBs map[skill.DataSource]*sql.DB, mongoClient *mongo.Client, mongoDB string, redisClient *redis.Client, credentials CredentialResolver, globalConn string) *QueryExecutor {
	return &QueryExecutor{
		sqlDBs:      sqlDBs,
		mongoClient: mongoClient,
		mongoDB:     mongoDB,
		redisClient: redisClient,
		credentials: credentials,
		globalConn:  globalConn,
	}
}

// Execute implements executor.Executor.
func (q *QueryExecutor) Execute(ctx context.Context, sk *skill.Skill, input map[string]any, state map[string]any) (map[string]any, error) {
	if err := executor.CheckRequires(sk, input); err != nil {
		return nil, err
	}
	if sk.ActionConfig == nil || sk.ActionConfig.Query == nil {
		return nil, fmt.Errorf("data query executor: skill %q missing query config", sk.Name)
	}
	cfg := sk.ActionConfig.Query

	if _, err := q.resolveCredential(ctx, cfg); err != nil {
		return nil, fmt.Errorf("data query executor: skill %q: %w", sk.Name, err)
	}

	switch cfg.Source {
	case skill.SourcePostgres, skill.SourceMySQL:
		return q.executeSQL(ctx, cfg, input)
	case skill.SourceMongoDB:
		return q.executeMongo(ctx, cfg, input)
	case skill.SourceRedis:
		return q.executeRedis(ctx, cfg, input)
	default:
		return nil, fmt.Errorf("data query executor: unknown source %q", cfg.Source)
	}
}

// resolveCredential follows spec §4.3.4's order: credential_ref via
// vault, then the deprecated db_config_file, then the global fallback.
func (q *QueryExecutor) resolveCredential(ctx context.Context, cfg *skill.QueryConfig) (string, error) {
	if cfg.CredentialRef != "" {
		if q.credentials == nil {
			return "", fmt.Errorf("credential_ref %q set but no credential resolver configured", cfg.CredentialRef)
		}
		return q.credentials.Resolve(ctx, cfg.CredentialRef)
	}
	if cfg.DBConfigFile != "" {
		return cfg.DBConfigFile, nil
	}
	if q.globalConn == "" {
		return "", fmt.Errorf("no credential_ref, db_config_file, or global connection string configured")
	}
	return q.globalConn, nil
}

func (q *QueryExecutor) executeSQL(ctx context.Context, cfg *skill.QueryConfig, input map[string]any) (map[string]any, error) {
	db, ok := q.sqlDBs[cfg.Source]
	if !ok {
		return nil, fmt.Errorf("no *sql.DB registered for source %q", cfg.Source)
	}
	rendered, err := dotpath.Render(cfg.Query, input)
	if err != nil {
		return nil, fmt.Errorf("render query template: %w", err)
	}
	if isWriteStatement(rendered) {
		result, err := db.ExecContext(ctx, rendered)
		if err != nil {
			return nil, fmt.Errorf("execute statement: %w", err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("read affected rows: %w", err)
		}
		return map[string]any{"affected_rows": affected}, nil
	}
	rows, err := db.QueryContext(ctx, rendered)
	if err != nil {
		return nil, fmt.Errorf("execute query: %w", err)
	}
	defer rows.Close()
	results, err := scanRows(rows)
	if err != nil {
		return nil, err
	}
	return map[string]any{"query_result": results, "row_count": len(results)}, nil
}

// isWriteStatement classifies a rendered SQL template as a write
// (INSERT/UPDATE/DELETE) versus a read, per spec §4.3.4's distinct
// {affected_rows} vs {query_result, row_count} output shapes.
func isWriteStatement(query string) bool {
	trimmed := strings.TrimSpace(strings.ToUpper(query))
	for _, verb := range []string{"INSERT", "UPDATE", "DELETE"} {
		if strings.HasPrefix(trimmed, verb) {
			return true
		}
	}
	return false
}

func scanRows(rows *sql.Rows) ([]map[string]any, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[col] = values[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func (q *QueryExecutor) executeMongo(ctx context.Context, cfg *skill.QueryConfig, input map[string]any) (map[string]any, error) {
	if q.mongoClient == nil {
		return nil, fmt.Errorf("mongodb source requested but no mongo client configured")
	}
	filter := renderFilter(cfg.Filter, input)
	coll := q.mongoClient.Database(q.mongoDB).Collection(cfg.Collection)
	cursor, err := coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongo find: %w", err)
	}
	defer cursor.Close(ctx)
	var docs []bson.M
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongo decode: %w", err)
	}
	results := make([]map[string]any, len(docs))
	for i, d := range docs {
		results[i] = map[string]any(d)
	}
	return map[string]any{"query_result": results, "row_count": len(results)}, nil
}

func (q *QueryExecutor) executeRedis(ctx context.Context, cfg *skill.QueryConfig, input map[string]any) (map[string]any, error) {
	if q.redisClient == nil {
		return nil, fmt.Errorf("redis source requested but no redis client configured")
	}
	key, _ := dotpath.Render(cfg.Collection, input)
	val, err := q.redisClient.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return map[string]any{"query_result": []map[string]any{}, "row_count": 0}, nil
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return map[string]any{"query_result": []map[string]any{{"value": val}}, "row_count": 1}, nil
}

// renderFilter substitutes {dot.notation} placeholders found in string
// filter values against input, leaving other value types untouched.
func renderFilter(filter map[string]any, input map[string]any) bson.M {
	out := bson.M{}
	for k, v := range filter {
		if s, ok := v.(string); ok {
			if rendered, err := dotpath.Render(s, input); err == nil {
				out[k] = rendered
				continue
			}
		}
		out[k] = v
	}
	return out
}
