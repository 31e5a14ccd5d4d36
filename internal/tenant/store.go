package tenant

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for tenants.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new tenant store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const tenantColumns = `id, name, api_key_hash, key_prefix, system_prompt, model,
	language_code, rate_limit, created_at, updated_at`

func scanTenant(row pgx.Row) (*Tenant, error) {
	t := &Tenant{}
	err := row.Scan(&t.ID, &t.Name, &t.APIKeyHash, &t.KeyPrefix, &t.SystemPrompt, &t.Model,
		&t.LanguageCode, &t.RateLimit, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Create inserts a new tenant and returns the created record.
func (s *Store) Create(ctx context.Context, in CreateTenantInput) (*Tenant, error) {
	lang := in.LanguageCode
	if lang == "" {
		lang = DefaultLanguage
	}
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`INSERT INTO tenants (name, api_key_hash, key_prefix, system_prompt, model, language_code, rate_limit)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+tenantColumns,
		in.Name, in.APIKeyHash, in.KeyPrefix, in.SystemPrompt, in.Model, lang, in.RateLimit,
	))
	if err != nil {
		return nil, fmt.Errorf("creating tenant: %w", err)
	}
	return t, nil
}

// GetByID retrieves a tenant by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("getting tenant by id: %w", err)
	}
	return t, nil
}

// GetByKeyHash retrieves a tenant by its API key hash, used for authentication.
func (s *Store) GetByKeyHash(ctx context.Context, hash string) (*Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE api_key_hash = $1`, hash))
	if err != nil {
		return nil, fmt.Errorf("getting tenant by key hash: %w", err)
	}
	return t, nil
}

// List returns a page of tenants ordered by created_at DESC, id DESC. It
// returns the tenants, the next cursor (empty if no more results), and any
// error.
func (s *Store) List(ctx context.Context, params ListParams) ([]*Tenant, string, error) {
	limit := params.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	var rows pgx.Rows
	var err error

	if params.Cursor != "" {
		cursorTime, cursorID, cerr := decodeCursor(params.Cursor)
		if cerr != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", cerr)
		}
		rows, err = s.pool.Query(ctx,
			`SELECT `+tenantColumns+` FROM tenants
			 WHERE (created_at, id) < ($1, $2)
			 ORDER BY created_at DESC, id DESC
			 LIMIT $3`,
			cursorTime, cursorID, limit+1,
		)
	} else {
		rows, err = s.pool.Query(ctx,
			`SELECT `+tenantColumns+` FROM tenants
			 ORDER BY created_at DESC, id DESC
			 LIMIT $1`,
			limit+1,
		)
	}
	if err != nil {
		return nil, "", fmt.Errorf("listing tenants: %w", err)
	}
	defer rows.Close()

	var tenants []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning tenant row: %w", err)
		}
		tenants = append(tenants, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating tenant rows: %w", err)
	}

	var nextCursor string
	if len(tenants) > limit {
		last := tenants[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		tenants = tenants[:limit]
	}

	return tenants, nextCursor, nil
}

// Update performs a partial update on the tenant with the given id and
// returns the updated record.
func (s *Store) Update(ctx context.Context, id string, in UpdateTenantInput) (*Tenant, error) {
	setClauses, args := updateClauses(in)
	if len(setClauses) == 0 {
		return s.GetByID(ctx, id)
	}

	args = append(args, id)
	query := fmt.Sprintf(
		`UPDATE tenants SET %s, updated_at = now() WHERE id = $%d RETURNING %s`,
		strings.Join(setClauses, ", "), len(args), tenantColumns,
	)

	t, err := scanTenant(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("updating tenant: %w", err)
	}
	return t, nil
}

func updateClauses(in UpdateTenantInput) ([]string, []any) {
	var setClauses []string
	var args []any
	add := func(col string, v any) {
		args = append(args, v)
		setClauses = append(setClauses, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	if in.Name != nil {
		add("name", *in.Name)
	}
	if in.SystemPrompt != nil {
		add("system_prompt", *in.SystemPrompt)
	}
	if in.Model != nil {
		add("model", *in.Model)
	}
	if in.LanguageCode != nil {
		add("language_code", *in.LanguageCode)
	}
	if in.RateLimit != nil {
		add("rate_limit", *in.RateLimit)
	}
	return setClauses, args
}

// RotateKey replaces the tenant's API key hash and prefix.
func (s *Store) RotateKey(ctx context.Context, id, hash, prefix string) (*Tenant, error) {
	t, err := scanTenant(s.pool.QueryRow(ctx,
		`UPDATE tenants SET api_key_hash = $1, key_prefix = $2, updated_at = now()
		 WHERE id = $3 RETURNING `+tenantColumns,
		hash, prefix, id,
	))
	if err != nil {
		return nil, fmt.Errorf("rotating tenant key: %w", err)
	}
	return t, nil
}

// Delete removes a tenant by id. Its catalog rows cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM tenants WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting tenant: %w", err)
	}
	return nil
}

// encodeCursor produces a base64 string from a created_at timestamp and id.
func encodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.Format(time.RFC3339Nano) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// decodeCursor parses a base64 cursor back into its created_at and id parts.
func decodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor base64: %w", err)
	}

	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}

	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor time: %w", err)
	}

	return t, parts[1], nil
}
