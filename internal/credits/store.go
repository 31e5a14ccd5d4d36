package credits

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PGStore is the Postgres-backed ledger Store. Numeric columns travel as
// text so no precision is lost between NUMERIC and decimal.Decimal.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewStore creates a new PGStore backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

const accountColumns = `user_id, credits_balance::text, total_credits_purchased::text,
	total_credits_used::text, created_at, updated_at`

const transactionColumns = `id, user_id, COALESCE(tenant_id, ''), transaction_type,
	credits_amount::text, description, COALESCE(reference, ''), created_at`

func scanAccount(row pgx.Row) (*Account, error) {
	var a Account
	var balance, purchased, used string
	if err := row.Scan(&a.UserID, &balance, &purchased, &used, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return nil, fmt.Errorf("parsing balance: %w", err)
	}
	if a.TotalPurchased, err = decimal.NewFromString(purchased); err != nil {
		return nil, fmt.Errorf("parsing total purchased: %w", err)
	}
	if a.TotalUsed, err = decimal.NewFromString(used); err != nil {
		return nil, fmt.Errorf("parsing total used: %w", err)
	}
	return &a, nil
}

func scanTransaction(row pgx.Row) (*Transaction, error) {
	var t Transaction
	var amount string
	err := row.Scan(&t.ID, &t.UserID, &t.TenantID, &t.Type, &amount, &t.Description, &t.Reference, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if t.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parsing amount: %w", err)
	}
	return &t, nil
}

// GetOrCreateAccount returns the user's account, inserting a zero-balance
// row first when none exists.
func (s *PGStore) GetOrCreateAccount(ctx context.Context, userID string) (*Account, error) {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO credit_accounts (user_id) VALUES ($1) ON CONFLICT (user_id) DO NOTHING`, userID)
	if err != nil {
		return nil, fmt.Errorf("creating credit account: %w", err)
	}
	query := fmt.Sprintf(`SELECT %s FROM credit_accounts WHERE user_id = $1`, accountColumns)
	return scanAccount(s.pool.QueryRow(ctx, query, userID))
}

// Debit subtracts p.Credits with a single conditional UPDATE, so concurrent
// debits can never take the balance below zero, then appends the usage
// transaction in the same database transaction.
func (s *PGStore) Debit(ctx context.Context, p DebitParams) (decimal.Decimal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	amount := p.Credits.String()
	var balance string
	err = tx.QueryRow(ctx, `UPDATE credit_accounts
		SET credits_balance = credits_balance - $2::numeric,
		    total_credits_used = total_credits_used + $2::numeric,
		    updated_at = now()
		WHERE user_id = $1 AND credits_balance >= $2::numeric
		RETURNING credits_balance::text`, p.UserID, amount).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, s.debitFailure(ctx, tx, p)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("debiting credits: %w", err)
	}

	_, err = tx.Exec(ctx, `INSERT INTO credit_transactions
		(user_id, tenant_id, transaction_type, credits_amount, description)
		VALUES ($1, NULLIF($2, ''), $3, $4::numeric, $5)`,
		p.UserID, p.TenantID, TypeUsage, p.Credits.Neg().String(), p.Description)
	if err != nil {
		return decimal.Zero, fmt.Errorf("recording usage transaction: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("committing debit: %w", err)
	}
	return decimal.NewFromString(balance)
}

// debitFailure explains why the conditional update matched no row.
func (s *PGStore) debitFailure(ctx context.Context, tx pgx.Tx, p DebitParams) error {
	var available string
	err := tx.QueryRow(ctx, `SELECT credits_balance::text FROM credit_accounts WHERE user_id = $1`, p.UserID).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNoAccount
	}
	if err != nil {
		return fmt.Errorf("reading balance: %w", err)
	}
	avail, err := decimal.NewFromString(available)
	if err != nil {
		return fmt.Errorf("parsing balance: %w", err)
	}
	return &InsufficientCreditsError{Needed: p.Credits, Available: avail}
}

// Credit records a purchase transaction and adds the credits, creating the
// account if needed. A reference that was already applied is rejected.
func (s *PGStore) Credit(ctx context.Context, p CreditParams) (decimal.Decimal, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	amount := p.Credits.String()
	tag, err := tx.Exec(ctx, `INSERT INTO credit_transactions
		(user_id, tenant_id, transaction_type, credits_amount, description, reference)
		VALUES ($1, NULLIF($2, ''), $3, $4::numeric, $5, NULLIF($6, ''))
		ON CONFLICT DO NOTHING`,
		p.UserID, p.TenantID, TypePurchase, amount, p.Description, p.Reference)
	if err != nil {
		return decimal.Zero, fmt.Errorf("recording purchase transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return decimal.Zero, ErrDuplicatePurchase
	}

	var balance string
	err = tx.QueryRow(ctx, `INSERT INTO credit_accounts (user_id, credits_balance, total_credits_purchased)
		VALUES ($1, $2::numeric, $2::numeric)
		ON CONFLICT (user_id) DO UPDATE
		SET credits_balance = credit_accounts.credits_balance + EXCLUDED.credits_balance,
		    total_credits_purchased = credit_accounts.total_credits_purchased + EXCLUDED.total_credits_purchased,
		    updated_at = now()
		RETURNING credits_balance::text`, p.UserID, amount).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("adding credits: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("committing purchase: %w", err)
	}
	return decimal.NewFromString(balance)
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

// ListTransactions returns a page of a user's transactions ordered by
// created_at DESC, id DESC.
func (s *PGStore) ListTransactions(ctx context.Context, q TransactionQuery) ([]*Transaction, string, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	args := []interface{}{q.UserID}
	argIdx := 2
	where := []string{"user_id = $1"}

	if q.TenantID != "" {
		where = append(where, fmt.Sprintf("(tenant_id = $%d OR tenant_id IS NULL)", argIdx))
		args = append(args, q.TenantID)
		argIdx++
	}
	if q.Type != "" {
		where = append(where, fmt.Sprintf("transaction_type = $%d", argIdx))
		args = append(args, q.Type)
		argIdx++
	}
	if q.Cursor != "" {
		cursorTime, cursorID, err := decodeCursor(q.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", err)
		}
		where = append(where, fmt.Sprintf("(created_at, id) < ($%d, $%d)", argIdx, argIdx+1))
		args = append(args, cursorTime, cursorID)
		argIdx += 2
	}

	query := fmt.Sprintf(`SELECT %s FROM credit_transactions WHERE %s
		ORDER BY created_at DESC, id DESC LIMIT $%d`,
		transactionColumns, strings.Join(where, " AND "), argIdx)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing transactions: %w", err)
	}
	defer rows.Close()

	var txs []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning transaction: %w", err)
		}
		txs = append(txs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating transactions: %w", err)
	}

	var nextCursor string
	if len(txs) > limit {
		last := txs[limit-1]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
		txs = txs[:limit]
	}
	return txs, nextCursor, nil
}
