package credits

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction types.
const (
	TypePurchase = "purchase"
	TypeUsage    = "usage"
)

var (
	// ErrNoAccount is returned when spending from a user without a credit
	// account. Accounts are only created by the balance read path.
	ErrNoAccount = errors.New("no credit account")

	// ErrNoCredits is returned by gates that require a positive balance
	// before starting billable work.
	ErrNoCredits = errors.New("no credits available")

	ErrInvalidAmount     = errors.New("amount must be positive")
	ErrUserRequired      = errors.New("user_id is required")
	ErrUsageTypeRequired = errors.New("usage_type is required")
	ErrDuplicatePurchase = errors.New("purchase reference already applied")

	// ErrTooPrecise is returned for purchases finer than the stored tenth
	// of a credit.
	ErrTooPrecise = fmt.Errorf("%w: credits have at most one decimal place", ErrInvalidAmount)
)

// ValidateCredits checks that d is a positive amount the ledger can store
// without rounding.
func ValidateCredits(d decimal.Decimal) error {
	if !d.IsPositive() {
		return ErrInvalidAmount
	}
	if !d.Equal(d.Truncate(1)) {
		return ErrTooPrecise
	}
	return nil
}

// InsufficientCreditsError is returned when a debit needs more credits than
// the account holds. No mutation has happened when it is returned.
type InsufficientCreditsError struct {
	Needed    decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("Insufficient credits. Need %s, have %s", e.Needed.String(), e.Available.String())
}

// IsPaymentRequired reports whether err means the user must add credits.
func IsPaymentRequired(err error) bool {
	var ice *InsufficientCreditsError
	return errors.Is(err, ErrNoAccount) || errors.Is(err, ErrNoCredits) || errors.As(err, &ice)
}

// Account is a user's credit balance and lifetime totals.
type Account struct {
	UserID         string          `json:"user_id"`
	Balance        decimal.Decimal `json:"credits_balance"`
	TotalPurchased decimal.Decimal `json:"total_credits_purchased"`
	TotalUsed      decimal.Decimal `json:"total_credits_used"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Transaction is an immutable ledger entry. Usage entries carry a negative
// amount.
type Transaction struct {
	ID          string          `json:"id"`
	UserID      string          `json:"user_id"`
	TenantID    string          `json:"tenant_id,omitempty"`
	Type        string          `json:"transaction_type"`
	Amount      decimal.Decimal `json:"credits_amount"`
	Description string          `json:"description"`
	Reference   string          `json:"reference,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// UsageRequest asks the ledger to charge for an amount of some usage type.
type UsageRequest struct {
	UserID      string          `json:"user_id"`
	TenantID    string          `json:"tenant_id"`
	UsageType   string          `json:"usage_type"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

// Charge is the outcome of a successful debit.
type Charge struct {
	CreditsUsed      decimal.Decimal `json:"credits_used"`
	RemainingCredits decimal.Decimal `json:"remaining_credits"`
	UsageType        string          `json:"usage_type"`
	Amount           decimal.Decimal `json:"amount"`
}

// PurchaseRequest adds credits to a user's account.
type PurchaseRequest struct {
	UserID      string          `json:"user_id"`
	TenantID    string          `json:"tenant_id"`
	Credits     decimal.Decimal `json:"credits"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
}

// Pricing is a per-unit credit rate for a service type.
type Pricing struct {
	ServiceType     string          `json:"service_type"`
	CostPerUnit     decimal.Decimal `json:"cost_per_unit"`
	UnitDescription string          `json:"unit_description"`
	IsActive        bool            `json:"is_active"`
}

// DebitParams are the store-level inputs of an atomic debit.
type DebitParams struct {
	UserID      string
	TenantID    string
	Credits     decimal.Decimal
	Description string
}

// CreditParams are the store-level inputs of a purchase.
type CreditParams struct {
	UserID      string
	TenantID    string
	Credits     decimal.Decimal
	Description string
	Reference   string
}

// TransactionQuery controls listing and pagination of transactions.
type TransactionQuery struct {
	UserID string
	// TenantID, when set, limits the listing to that tenant's rows plus
	// rows not attributed to any tenant.
	TenantID string
	Type     string
	Cursor   string
	Limit    int
}
