package credits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Store persists credit accounts and transactions. Debit must be atomic:
// the balance check and the decrement happen in one conditional update,
// and the usage transaction is written in the same database transaction.
type Store interface {
	GetOrCreateAccount(ctx context.Context, userID string) (*Account, error)
	Debit(ctx context.Context, p DebitParams) (balance decimal.Decimal, err error)
	Credit(ctx context.Context, p CreditParams) (balance decimal.Decimal, err error)
	ListTransactions(ctx context.Context, q TransactionQuery) ([]*Transaction, string, error)
}

// MetricsRecorder is an optional interface for recording ledger metrics.
type MetricsRecorder interface {
	AddCreditsDebited(usageType string, credits float64)
	IncCreditDenial(reason string)
}

// Ledger applies metered usage against user balances.
type Ledger struct {
	store        Store
	calc         *Calculator
	queryTimeout time.Duration
	metrics      MetricsRecorder
	logger       *slog.Logger
}

// NewLedger creates a Ledger. A positive queryTimeout bounds every store
// round trip.
func NewLedger(store Store, calc *Calculator, queryTimeout time.Duration) *Ledger {
	return &Ledger{store: store, calc: calc, queryTimeout: queryTimeout, logger: slog.Default()}
}

// SetMetrics sets the optional metrics recorder.
func (l *Ledger) SetMetrics(m MetricsRecorder) {
	l.metrics = m
}

// SetLogger replaces the default logger.
func (l *Ledger) SetLogger(logger *slog.Logger) {
	l.logger = logger
}

// Calculator returns the ledger's calculator.
func (l *Ledger) Calculator() *Calculator {
	return l.calc
}

func (l *Ledger) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if l.queryTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, l.queryTimeout)
}

// UseCredits charges the user for req. It fails with ErrNoAccount when the
// user has no account and with *InsufficientCreditsError when the balance
// does not cover the charge; in both cases nothing is written.
func (l *Ledger) UseCredits(ctx context.Context, req UsageRequest) (*Charge, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, ErrUserRequired
	}
	if strings.TrimSpace(req.UsageType) == "" {
		return nil, ErrUsageTypeRequired
	}

	ctx, cancel := l.bound(ctx)
	defer cancel()

	needed, err := l.calc.Calculate(ctx, req.UsageType, req.Amount)
	if err != nil {
		return nil, err
	}

	desc := req.Description
	if desc == "" {
		desc = fmt.Sprintf("%s usage (%s units)", req.UsageType, req.Amount.String())
	}

	balance, err := l.store.Debit(ctx, DebitParams{
		UserID:      req.UserID,
		TenantID:    req.TenantID,
		Credits:     needed,
		Description: desc,
	})
	if err != nil {
		if l.metrics != nil && IsPaymentRequired(err) {
			reason := "insufficient_credits"
			if errors.Is(err, ErrNoAccount) {
				reason = "no_account"
			}
			l.metrics.IncCreditDenial(reason)
		}
		return nil, err
	}

	if l.metrics != nil {
		l.metrics.AddCreditsDebited(req.UsageType, needed.InexactFloat64())
	}
	l.logger.Info("credits used",
		"user_id", req.UserID,
		"tenant_id", req.TenantID,
		"usage_type", req.UsageType,
		"amount", req.Amount.String(),
		"credits", needed.String(),
		"remaining", balance.String(),
	)

	return &Charge{
		CreditsUsed:      needed,
		RemainingCredits: balance,
		UsageType:        req.UsageType,
		Amount:           req.Amount,
	}, nil
}

// Balance returns the user's account, creating it with a zero balance when
// it does not exist yet.
func (l *Ledger) Balance(ctx context.Context, userID string) (*Account, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, ErrUserRequired
	}
	ctx, cancel := l.bound(ctx)
	defer cancel()
	return l.store.GetOrCreateAccount(ctx, userID)
}

// HasCredits reports whether the user's balance is above zero.
func (l *Ledger) HasCredits(ctx context.Context, userID string) (bool, error) {
	acct, err := l.Balance(ctx, userID)
	if err != nil {
		return false, err
	}
	return acct.Balance.IsPositive(), nil
}

// Purchase adds credits to the user's account and records a purchase
// transaction. A repeated non-empty reference returns ErrDuplicatePurchase.
// Amounts finer than a tenth of a credit are rejected with ErrTooPrecise.
func (l *Ledger) Purchase(ctx context.Context, req PurchaseRequest) (decimal.Decimal, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return decimal.Zero, ErrUserRequired
	}
	if err := ValidateCredits(req.Credits); err != nil {
		return decimal.Zero, err
	}
	desc := req.Description
	if desc == "" {
		desc = fmt.Sprintf("Purchased %s credits", req.Credits.String())
	}

	ctx, cancel := l.bound(ctx)
	defer cancel()

	balance, err := l.store.Credit(ctx, CreditParams{
		UserID:      req.UserID,
		TenantID:    req.TenantID,
		Credits:     req.Credits,
		Description: desc,
		Reference:   req.Reference,
	})
	if err != nil {
		return decimal.Zero, err
	}
	l.logger.Info("credits purchased",
		"user_id", req.UserID,
		"tenant_id", req.TenantID,
		"credits", req.Credits.String(),
		"reference", req.Reference,
		"balance", balance.String(),
	)
	return balance, nil
}

// ListTransactions returns a page of the user's transactions, newest first.
func (l *Ledger) ListTransactions(ctx context.Context, q TransactionQuery) ([]*Transaction, string, error) {
	if strings.TrimSpace(q.UserID) == "" {
		return nil, "", ErrUserRequired
	}
	ctx, cancel := l.bound(ctx)
	defer cancel()
	return l.store.ListTransactions(ctx, q)
}
