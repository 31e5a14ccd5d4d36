package metering

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for usage events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes a slice of events to the database in a single
// multi-row INSERT statement. It is a no-op when events is empty.
func (s *Store) BatchInsert(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 12 // number of columns per row (excluding server-generated id)
	args := make([]any, 0, len(events)*cols)
	rows := make([]string, 0, len(events))

	for i, ev := range events {
		rows = append(rows, placeholderRow(i*cols, cols))
		args = append(args,
			ev.TenantID,
			ev.UserID,
			ev.SessionID,
			ev.Kind,
			ev.Name,
			ev.Outcome,
			ev.StatusCode,
			ev.LatencyMs,
			ev.Tokens,
			ev.Credits,
			ev.Error,
			ev.CreatedAt,
		)
	}

	query := `INSERT INTO usage_events
		(tenant_id, user_id, session_id, kind, name, outcome, status_code,
		 latency_ms, tokens, credits, error, created_at)
		VALUES ` + strings.Join(rows, ", ")

	_, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("batch inserting usage events: %w", err)
	}

	return nil
}

// placeholderRow renders "($base+1, ..., $base+n)".
func placeholderRow(base, n int) string {
	ph := make([]string, n)
	for i := range ph {
		ph[i] = "$" + strconv.Itoa(base+i+1)
	}
	return "(" + strings.Join(ph, ", ") + ")"
}

// GetSummary returns aggregate usage metrics matching the given query filters.
func (s *Store) GetSummary(ctx context.Context, q UsageQuery) (*UsageSummary, error) {
	where, args := buildWhereClause(q)

	query := `SELECT
		COUNT(*),
		COALESCE(SUM(CASE WHEN kind = 'tool' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN kind = 'llm' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN outcome <> 'success' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(tokens), 0),
		COALESCE(SUM(credits), 0)::float8,
		COALESCE(AVG(latency_ms), 0)::float8
	FROM usage_events` + where

	var summary UsageSummary
	err := s.pool.QueryRow(ctx, query, args...).Scan(
		&summary.TotalEvents,
		&summary.ToolCalls,
		&summary.LLMTurns,
		&summary.ErrorCount,
		&summary.TotalTokens,
		&summary.TotalCredits,
		&summary.AvgLatencyMs,
	)
	if err != nil {
		return nil, fmt.Errorf("querying usage summary: %w", err)
	}

	return &summary, nil
}

// GetToolCallCounts returns the number of tool dispatches per tool name for
// one tenant.
func (s *Store) GetToolCallCounts(ctx context.Context, tenantID string) (map[string]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT name, COUNT(*) FROM usage_events
		 WHERE tenant_id = $1 AND kind = 'tool' GROUP BY name`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("querying tool call counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var name string
		var count int64
		if err := rows.Scan(&name, &count); err != nil {
			return nil, fmt.Errorf("scanning tool call count: %w", err)
		}
		counts[name] = count
	}
	return counts, rows.Err()
}

// ListEvents returns a page of events matching the query filters, ordered by
// created_at DESC, id DESC. It returns the next cursor (empty string if no
// more results).
func (s *Store) ListEvents(ctx context.Context, q UsageQuery) ([]*Event, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	where, args := buildWhereClause(q)

	// The cursor encodes "created_at|id".
	if q.Cursor != "" {
		ts, id, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		n := len(args)
		if where == "" {
			where = " WHERE"
		} else {
			where += " AND"
		}
		where += fmt.Sprintf(" (created_at, id) < ($%d, $%d)", n+1, n+2)
		args = append(args, ts, id)
	}

	query := `SELECT id, tenant_id, user_id, session_id, kind, name, outcome,
		status_code, latency_ms, tokens, credits::float8, error, created_at
	FROM usage_events` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(len(args)+1)
	args = append(args, limit+1) // fetch one extra to determine if there's a next page

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing usage events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var ev Event
		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &ev.UserID, &ev.SessionID, &ev.Kind, &ev.Name, &ev.Outcome,
			&ev.StatusCode, &ev.LatencyMs, &ev.Tokens, &ev.Credits, &ev.Error, &ev.CreatedAt,
		); err != nil {
			return nil, "", fmt.Errorf("scanning usage event row: %w", err)
		}
		events = append(events, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating usage event rows: %w", err)
	}

	var nextCursor string
	if len(events) > limit {
		last := events[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		events = events[:limit]
	}

	return events, nextCursor, nil
}

// buildWhereClause constructs a WHERE clause and positional arguments from a
// UsageQuery. The returned string starts with " WHERE" or is empty.
func buildWhereClause(q UsageQuery) (string, []any) {
	var conditions []string
	var args []any

	eq := func(col, v string) {
		if v == "" {
			return
		}
		args = append(args, v)
		conditions = append(conditions, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	eq("tenant_id", q.TenantID)
	eq("user_id", q.UserID)
	eq("session_id", q.SessionID)
	eq("kind", q.Kind)
	eq("name", q.Name)

	if !q.From.IsZero() {
		args = append(args, q.From)
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", len(args)))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", nil
	}

	return " WHERE " + strings.Join(conditions, " AND "), args
}

// encodeCursor encodes a timestamp and id into an opaque cursor string.
func encodeCursor(ts time.Time, id string) string {
	raw := ts.Format(time.RFC3339Nano) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// decodeCursor decodes an opaque cursor string into a timestamp and id.
func decodeCursor(cursor string) (time.Time, string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor: %w", err)
	}
	parts := strings.SplitN(string(raw), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("malformed cursor")
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor timestamp: %w", err)
	}
	return ts, parts[1], nil
}
