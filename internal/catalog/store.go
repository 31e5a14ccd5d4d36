package catalog

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store provides database operations for the tenant tool catalog.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const connectionColumns = `id, tenant_id, name, base_url, auth_type,
	auth_token_env, auth_header_name, auth_value_env, created_at, updated_at`

const toolColumns = `id, tenant_id, api_connection_id, name, description, method,
	endpoint_template, enabled, version, created_at, updated_at`

const argColumns = `id, tool_id, name, arg_type, location, required,
	description, example, enum_vals`

func scanConnection(row pgx.Row) (*APIConnection, error) {
	var c APIConnection
	err := row.Scan(
		&c.ID,
		&c.TenantID,
		&c.Name,
		&c.BaseURL,
		&c.Auth.Type,
		&c.Auth.TokenEnv,
		&c.Auth.HeaderName,
		&c.Auth.ValueEnv,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func scanTool(row pgx.Row) (*Tool, error) {
	var t Tool
	err := row.Scan(
		&t.ID,
		&t.TenantID,
		&t.APIConnectionID,
		&t.Name,
		&t.Description,
		&t.Method,
		&t.EndpointTemplate,
		&t.Enabled,
		&t.Version,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func scanArg(row pgx.Row) (ToolArg, error) {
	var a ToolArg
	var argType, location string
	err := row.Scan(
		&a.ID,
		&a.ToolID,
		&a.Name,
		&argType,
		&location,
		&a.Required,
		&a.Description,
		&a.Example,
		&a.EnumVals,
	)
	a.Type = ArgType(argType)
	a.Location = ArgLocation(location)
	return a, err
}

// CreateConnection inserts a new API connection and returns the full row.
func (s *Store) CreateConnection(ctx context.Context, tenantID string, input CreateConnectionInput) (*APIConnection, error) {
	query := fmt.Sprintf(`INSERT INTO api_connections
		(tenant_id, name, base_url, auth_type, auth_token_env, auth_header_name, auth_value_env)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING %s`, connectionColumns)
	row := s.pool.QueryRow(ctx, query,
		tenantID,
		input.Name,
		input.BaseURL,
		input.Auth.Type,
		input.Auth.TokenEnv,
		input.Auth.HeaderName,
		input.Auth.ValueEnv,
	)
	return scanConnection(row)
}

// GetConnection retrieves a connection scoped to its tenant.
func (s *Store) GetConnection(ctx context.Context, tenantID, id string) (*APIConnection, error) {
	query := fmt.Sprintf(`SELECT %s FROM api_connections WHERE tenant_id = $1 AND id = $2`, connectionColumns)
	return scanConnection(s.pool.QueryRow(ctx, query, tenantID, id))
}

// ListConnections returns a tenant's connections, oldest first.
func (s *Store) ListConnections(ctx context.Context, tenantID string) ([]*APIConnection, error) {
	query := fmt.Sprintf(`SELECT %s FROM api_connections WHERE tenant_id = $1 ORDER BY created_at, id`, connectionColumns)
	rows, err := s.pool.Query(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing connections: %w", err)
	}
	defer rows.Close()

	var conns []*APIConnection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning connection: %w", err)
		}
		conns = append(conns, c)
	}
	return conns, rows.Err()
}

// UpdateConnection applies a partial update to a connection.
func (s *Store) UpdateConnection(ctx context.Context, tenantID, id string, input UpdateConnectionInput) (*APIConnection, error) {
	setClauses := []string{}
	args := []interface{}{}
	argIdx := 1

	add := func(col string, val interface{}) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, val)
		argIdx++
	}

	if input.Name != nil {
		add("name", *input.Name)
	}
	if input.BaseURL != nil {
		add("base_url", *input.BaseURL)
	}
	if input.Auth != nil {
		add("auth_type", input.Auth.Type)
		add("auth_token_env", input.Auth.TokenEnv)
		add("auth_header_name", input.Auth.HeaderName)
		add("auth_value_env", input.Auth.ValueEnv)
	}

	if len(setClauses) == 0 {
		return s.GetConnection(ctx, tenantID, id)
	}
	add("updated_at", time.Now().UTC())

	args = append(args, tenantID, id)
	query := fmt.Sprintf(`UPDATE api_connections SET %s WHERE tenant_id = $%d AND id = $%d RETURNING %s`,
		strings.Join(setClauses, ", "), argIdx, argIdx+1, connectionColumns)
	return scanConnection(s.pool.QueryRow(ctx, query, args...))
}

// DeleteConnection removes a connection.
func (s *Store) DeleteConnection(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM api_connections WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("deleting connection: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// CreateTool inserts a tool and its arguments in one transaction.
func (s *Store) CreateTool(ctx context.Context, tenantID string, input CreateToolInput) (*Tool, error) {
	enabled := true
	if input.Enabled != nil {
		enabled = *input.Enabled
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := fmt.Sprintf(`INSERT INTO tools
		(tenant_id, api_connection_id, name, description, method, endpoint_template, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING %s`, toolColumns)
	t, err := scanTool(tx.QueryRow(ctx, query,
		tenantID,
		input.APIConnectionID,
		input.Name,
		input.Description,
		input.Method,
		input.EndpointTemplate,
		enabled,
	))
	if err != nil {
		return nil, fmt.Errorf("inserting tool: %w", err)
	}

	if err := insertArgs(ctx, tx, t.ID, input.Args); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing tool: %w", err)
	}
	t.Args = withToolID(input.Args, t.ID)
	return t, nil
}

func insertArgs(ctx context.Context, q querier, toolID string, args []ToolArg) error {
	for i, a := range args {
		_, err := q.Exec(ctx, `INSERT INTO tool_args
			(tool_id, name, arg_type, location, required, description, example, enum_vals, position)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			toolID, a.Name, string(a.Type), string(a.Location), a.Required,
			a.Description, a.Example, a.EnumVals, i,
		)
		if err != nil {
			return fmt.Errorf("inserting argument %q: %w", a.Name, err)
		}
	}
	return nil
}

func withToolID(args []ToolArg, toolID string) []ToolArg {
	out := make([]ToolArg, len(args))
	for i, a := range args {
		a.ToolID = toolID
		out[i] = a
	}
	return out
}

// loadArgs fetches the arguments of the given tools, keyed by tool ID and
// kept in declaration order.
func loadArgs(ctx context.Context, q querier, toolIDs []string) (map[string][]ToolArg, error) {
	out := make(map[string][]ToolArg, len(toolIDs))
	if len(toolIDs) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`SELECT %s FROM tool_args WHERE tool_id = ANY($1) ORDER BY tool_id, position`, argColumns)
	rows, err := q.Query(ctx, query, toolIDs)
	if err != nil {
		return nil, fmt.Errorf("loading tool args: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		a, err := scanArg(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tool arg: %w", err)
		}
		out[a.ToolID] = append(out[a.ToolID], a)
	}
	return out, rows.Err()
}

func attachArgs(ctx context.Context, q querier, tools []*Tool) error {
	ids := make([]string, len(tools))
	for i, t := range tools {
		ids[i] = t.ID
	}
	byTool, err := loadArgs(ctx, q, ids)
	if err != nil {
		return err
	}
	for _, t := range tools {
		t.Args = byTool[t.ID]
	}
	return nil
}

// GetTool retrieves a tool and its arguments, scoped to its tenant.
func (s *Store) GetTool(ctx context.Context, tenantID, id string) (*Tool, error) {
	query := fmt.Sprintf(`SELECT %s FROM tools WHERE tenant_id = $1 AND id = $2`, toolColumns)
	t, err := scanTool(s.pool.QueryRow(ctx, query, tenantID, id))
	if err != nil {
		return nil, err
	}
	if err := attachArgs(ctx, s.pool, []*Tool{t}); err != nil {
		return nil, err
	}
	return t, nil
}

// encodeCursor produces a base64-encoded cursor from a timestamp and ID.
func encodeCursor(createdAt time.Time, id string) string {
	raw := fmt.Sprintf("%s|%s", createdAt.Format(time.RFC3339Nano), id)
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64-encoded cursor into a timestamp and ID.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}
	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return t, parts[1], nil
}

// ListTools returns a page of a tenant's tools ordered by created_at DESC,
// id DESC with cursor-based pagination.
func (s *Store) ListTools(ctx context.Context, tenantID string, params ToolListParams) ([]*Tool, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	args := []interface{}{tenantID}
	argIdx := 2
	whereClauses := []string{"tenant_id = $1"}

	if params.Cursor != "" {
		cursorTime, cursorID, err := decodeCursor(params.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		whereClauses = append(whereClauses,
			fmt.Sprintf("(created_at, id) < ($%d, $%d)", argIdx, argIdx+1))
		args = append(args, cursorTime, cursorID)
		argIdx += 2
	}

	if params.Query != "" {
		pattern := "%" + params.Query + "%"
		whereClauses = append(whereClauses,
			fmt.Sprintf("(name ILIKE $%d OR description ILIKE $%d)", argIdx, argIdx))
		args = append(args, pattern)
		argIdx++
	}

	if params.EnabledOnly {
		whereClauses = append(whereClauses, "enabled")
	}

	query := fmt.Sprintf(`SELECT %s FROM tools WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		toolColumns, strings.Join(whereClauses, " AND "), argIdx)
	args = append(args, limit+1) // fetch one extra to determine next cursor

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing tools: %w", err)
	}
	tools, err := collectTools(rows)
	if err != nil {
		return nil, "", err
	}

	var nextCursor string
	if len(tools) > limit {
		last := tools[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		tools = tools[:limit]
	}

	if err := attachArgs(ctx, s.pool, tools); err != nil {
		return nil, "", err
	}
	return tools, nextCursor, nil
}

func collectTools(rows pgx.Rows) ([]*Tool, error) {
	defer rows.Close()
	var tools []*Tool
	for rows.Next() {
		t, err := scanTool(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning tool: %w", err)
		}
		tools = append(tools, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating tools: %w", err)
	}
	return tools, nil
}

// UpdateTool applies a partial update, bumps the version and, when Args is
// set, replaces the argument list, all in one transaction.
func (s *Store) UpdateTool(ctx context.Context, tenantID, id string, input UpdateToolInput) (*Tool, error) {
	setClauses := []string{}
	args := []interface{}{}
	argIdx := 1

	add := func(col string, val interface{}) {
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, val)
		argIdx++
	}

	if input.APIConnectionID != nil {
		add("api_connection_id", *input.APIConnectionID)
	}
	if input.Name != nil {
		add("name", *input.Name)
	}
	if input.Description != nil {
		add("description", *input.Description)
	}
	if input.Method != nil {
		add("method", *input.Method)
	}
	if input.EndpointTemplate != nil {
		add("endpoint_template", *input.EndpointTemplate)
	}
	if input.Enabled != nil {
		add("enabled", *input.Enabled)
	}

	if len(setClauses) == 0 && input.Args == nil {
		return s.GetTool(ctx, tenantID, id)
	}
	add("updated_at", time.Now().UTC())
	setClauses = append(setClauses, "version = version + 1")

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	args = append(args, tenantID, id)
	query := fmt.Sprintf(`UPDATE tools SET %s WHERE tenant_id = $%d AND id = $%d RETURNING %s`,
		strings.Join(setClauses, ", "), argIdx, argIdx+1, toolColumns)
	t, err := scanTool(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, err
	}

	if input.Args != nil {
		if _, err := tx.Exec(ctx, `DELETE FROM tool_args WHERE tool_id = $1`, t.ID); err != nil {
			return nil, fmt.Errorf("clearing tool args: %w", err)
		}
		if err := insertArgs(ctx, tx, t.ID, *input.Args); err != nil {
			return nil, err
		}
	}
	if err := attachArgs(ctx, tx, []*Tool{t}); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing tool update: %w", err)
	}
	return t, nil
}

// DisableTool soft-deletes a tool by clearing its enabled flag.
func (s *Store) DisableTool(ctx context.Context, tenantID, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tools SET enabled = false, updated_at = now(), version = version + 1
		 WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	if err != nil {
		return fmt.Errorf("disabling tool: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// Snapshot loads the tenant's enabled tools together with the single
// connection they call. When enabled tools span several connections, the
// oldest connection wins and tools on other connections are left out.
func (s *Store) Snapshot(ctx context.Context, tenantID string) (*Snapshot, error) {
	query := fmt.Sprintf(`SELECT %s FROM api_connections c
		WHERE c.tenant_id = $1
		  AND EXISTS (SELECT 1 FROM tools t WHERE t.api_connection_id = c.id AND t.enabled)
		ORDER BY c.created_at, c.id LIMIT 1`, prefixColumns("c", connectionColumns))
	conn, err := scanConnection(s.pool.QueryRow(ctx, query, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return &Snapshot{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading connection: %w", err)
	}

	toolQuery := fmt.Sprintf(`SELECT %s FROM tools
		WHERE tenant_id = $1 AND api_connection_id = $2 AND enabled
		ORDER BY name`, toolColumns)
	rows, err := s.pool.Query(ctx, toolQuery, tenantID, conn.ID)
	if err != nil {
		return nil, fmt.Errorf("loading tools: %w", err)
	}
	tools, err := collectTools(rows)
	if err != nil {
		return nil, err
	}
	if err := attachArgs(ctx, s.pool, tools); err != nil {
		return nil, err
	}
	return &Snapshot{Connection: conn, Tools: tools}, nil
}

// prefixColumns qualifies each column in a comma-separated list with alias.
func prefixColumns(alias, columns string) string {
	cols := strings.Split(columns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}
