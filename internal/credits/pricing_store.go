package credits

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PricingStore reads and writes the credit_costs table.
type PricingStore struct {
	pool *pgxpool.Pool
}

// NewPricingStore creates a new PricingStore backed by the given pool.
func NewPricingStore(pool *pgxpool.Pool) *PricingStore {
	return &PricingStore{pool: pool}
}

// Rate returns the active per-unit rate for serviceType.
func (s *PricingStore) Rate(ctx context.Context, serviceType string) (decimal.Decimal, bool, error) {
	var raw string
	err := s.pool.QueryRow(ctx,
		`SELECT cost_per_unit::text FROM credit_costs WHERE service_type = $1 AND is_active`,
		serviceType).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("querying pricing: %w", err)
	}
	rate, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("parsing pricing for %q: %w", serviceType, err)
	}
	return rate, true, nil
}

// List returns every pricing row, active or not.
func (s *PricingStore) List(ctx context.Context) ([]Pricing, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT service_type, cost_per_unit::text, unit_description, is_active
		 FROM credit_costs ORDER BY service_type`)
	if err != nil {
		return nil, fmt.Errorf("listing pricing: %w", err)
	}
	defer rows.Close()

	var out []Pricing
	for rows.Next() {
		var p Pricing
		var cost string
		if err := rows.Scan(&p.ServiceType, &cost, &p.UnitDescription, &p.IsActive); err != nil {
			return nil, fmt.Errorf("scanning pricing: %w", err)
		}
		if p.CostPerUnit, err = decimal.NewFromString(cost); err != nil {
			return nil, fmt.Errorf("parsing pricing for %q: %w", p.ServiceType, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Upsert creates or replaces the pricing row for p.ServiceType.
func (s *PricingStore) Upsert(ctx context.Context, p Pricing) error {
	if p.ServiceType == "" {
		return ErrUsageTypeRequired
	}
	if p.CostPerUnit.IsNegative() {
		return ErrInvalidAmount
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO credit_costs (service_type, cost_per_unit, unit_description, is_active)
		VALUES ($1, $2::numeric, $3, $4)
		ON CONFLICT (service_type) DO UPDATE
		SET cost_per_unit = EXCLUDED.cost_per_unit,
		    unit_description = EXCLUDED.unit_description,
		    is_active = EXCLUDED.is_active`,
		p.ServiceType, p.CostPerUnit.String(), p.UnitDescription, p.IsActive)
	if err != nil {
		return fmt.Errorf("upserting pricing: %w", err)
	}
	return nil
}
