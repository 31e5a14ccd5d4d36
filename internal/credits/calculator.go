package credits

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"
)

// PricingSource looks up the active per-unit rate for a service type.
type PricingSource interface {
	Rate(ctx context.Context, serviceType string) (rate decimal.Decimal, found bool, err error)
}

// DefaultRate is charged per unit when a service type has no usable pricing row.
var DefaultRate = decimal.NewFromInt(1)

var thousand = decimal.NewFromInt(1000)

// llmRatesPer1K are flat rates per 1000 tokens, keyed by model identifier.
var llmRatesPer1K = map[string]decimal.Decimal{
	"gemini-pro":       decimal.RequireFromString("0.24"),
	"gemini-2.5-pro":   decimal.RequireFromString("0.24"),
	"gemini-1.5-pro":   decimal.RequireFromString("0.12"),
	"gemini-2.5-flash": decimal.RequireFromString("0.12"),
	"gemini-1.5-flash": decimal.RequireFromString("0.12"),
}

// IsLLMModel reports whether usageType is billed per 1000 tokens.
func IsLLMModel(usageType string) bool {
	_, ok := llmRatesPer1K[usageType]
	return ok
}

// Calculator converts usage into credits. Results are always rounded up to
// the nearest 0.1 credit, so the charge is never below rate times amount.
type Calculator struct {
	pricing PricingSource
	logger  *slog.Logger
}

// NewCalculator creates a Calculator. A nil pricing source prices every
// non-LLM usage type at DefaultRate.
func NewCalculator(pricing PricingSource, logger *slog.Logger) *Calculator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calculator{pricing: pricing, logger: logger}
}

// Calculate returns the credits needed for amount units of usageType.
func (c *Calculator) Calculate(ctx context.Context, usageType string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	return CeilTenth(c.UnitRate(ctx, usageType).Mul(amount)), nil
}

// UnitRate returns the unrounded credits charged per single unit.
func (c *Calculator) UnitRate(ctx context.Context, usageType string) decimal.Decimal {
	if rate, ok := llmRatesPer1K[usageType]; ok {
		return rate.Div(thousand)
	}
	if c.pricing == nil {
		c.logger.Warn("no pricing source, using default rate", "usage_type", usageType, "rate", DefaultRate.String())
		return DefaultRate
	}

	rate, found, err := c.pricing.Rate(ctx, usageType)
	switch {
	case err != nil:
		c.logger.Warn("pricing lookup failed, using default rate", "usage_type", usageType, "error", err)
	case !found:
		c.logger.Warn("no active pricing, using default rate", "usage_type", usageType)
	case rate.IsNegative():
		c.logger.Warn("negative pricing, using default rate", "usage_type", usageType, "rate", rate.String())
	default:
		return rate
	}
	return DefaultRate
}

// CeilTenth rounds d up to one decimal place.
func CeilTenth(d decimal.Decimal) decimal.Decimal {
	return d.RoundCeil(1)
}
