package credits

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory Store whose Debit is atomic under a mutex.
type memStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	txs      []*Transaction
	refs     map[string]bool
	seq      int
}

func newMemStore() *memStore {
	return &memStore{accounts: map[string]*Account{}, refs: map[string]bool{}}
}

func (m *memStore) GetOrCreateAccount(_ context.Context, userID string) (*Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[userID]
	if !ok {
		a = &Account{UserID: userID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
		m.accounts[userID] = a
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) Debit(_ context.Context, p DebitParams) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.accounts[p.UserID]
	if !ok {
		return decimal.Zero, ErrNoAccount
	}
	if a.Balance.LessThan(p.Credits) {
		return decimal.Zero, &InsufficientCreditsError{Needed: p.Credits, Available: a.Balance}
	}
	a.Balance = a.Balance.Sub(p.Credits)
	a.TotalUsed = a.TotalUsed.Add(p.Credits)
	m.appendTx(p.UserID, p.TenantID, TypeUsage, p.Credits.Neg(), p.Description, "")
	return a.Balance, nil
}

func (m *memStore) Credit(_ context.Context, p CreditParams) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.Reference != "" {
		if m.refs[p.Reference] {
			return decimal.Zero, ErrDuplicatePurchase
		}
		m.refs[p.Reference] = true
	}
	a, ok := m.accounts[p.UserID]
	if !ok {
		a = &Account{UserID: p.UserID}
		m.accounts[p.UserID] = a
	}
	a.Balance = a.Balance.Add(p.Credits)
	a.TotalPurchased = a.TotalPurchased.Add(p.Credits)
	m.appendTx(p.UserID, p.TenantID, TypePurchase, p.Credits, p.Description, p.Reference)
	return a.Balance, nil
}

func (m *memStore) ListTransactions(_ context.Context, q TransactionQuery) ([]*Transaction, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Transaction
	for i := len(m.txs) - 1; i >= 0; i-- {
		tx := m.txs[i]
		if tx.UserID != q.UserID {
			continue
		}
		if q.TenantID != "" && tx.TenantID != "" && tx.TenantID != q.TenantID {
			continue
		}
		out = append(out, tx)
	}
	return out, "", nil
}

func (m *memStore) appendTx(userID, tenantID, typ string, amount decimal.Decimal, desc, ref string) {
	m.seq++
	m.txs = append(m.txs, &Transaction{
		ID: decimal.NewFromInt(int64(m.seq)).String(), UserID: userID, TenantID: tenantID,
		Type: typ, Amount: amount, Description: desc, Reference: ref, CreatedAt: time.Now(),
	})
}

func (m *memStore) txCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txs)
}

type fakeLedgerMetrics struct {
	mu      sync.Mutex
	debited map[string]float64
	denials map[string]int
}

func newFakeLedgerMetrics() *fakeLedgerMetrics {
	return &fakeLedgerMetrics{debited: map[string]float64{}, denials: map[string]int{}}
}

func (f *fakeLedgerMetrics) AddCreditsDebited(usageType string, credits float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.debited[usageType] += credits
}

func (f *fakeLedgerMetrics) IncCreditDenial(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.denials[reason]++
}

func newTestLedger(store Store) *Ledger {
	return NewLedger(store, NewCalculator(nil, nil), time.Second)
}

func seed(t *testing.T, l *Ledger, userID, credits string) {
	t.Helper()
	_, err := l.Purchase(context.Background(), PurchaseRequest{UserID: userID, Credits: dec(credits)})
	require.NoError(t, err)
}

func TestUseCreditsDebits(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	m := newFakeLedgerMetrics()
	l.SetMetrics(m)
	seed(t, l, "u1", "10")

	charge, err := l.UseCredits(context.Background(), UsageRequest{
		UserID: "u1", TenantID: "t1", UsageType: "gemini-pro", Amount: decimal.NewFromInt(2500),
	})
	require.NoError(t, err)
	assert.True(t, charge.CreditsUsed.Equal(dec("0.6")))
	assert.True(t, charge.RemainingCredits.Equal(dec("9.4")))

	txs, _, err := l.ListTransactions(context.Background(), TransactionQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, TypeUsage, txs[0].Type)
	assert.True(t, txs[0].Amount.Equal(dec("-0.6")))
	assert.Equal(t, "t1", txs[0].TenantID)
	assert.Equal(t, "gemini-pro usage (2500 units)", txs[0].Description)
	assert.InDelta(t, 0.6, m.debited["gemini-pro"], 1e-9)
}

func TestUseCreditsInsufficientWritesNothing(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	m := newFakeLedgerMetrics()
	l.SetMetrics(m)
	seed(t, l, "u1", "0.5")
	before := store.txCount()

	_, err := l.UseCredits(context.Background(), UsageRequest{
		UserID: "u1", UsageType: UsageToolCall, Amount: decimal.NewFromInt(1),
	})
	require.Error(t, err)
	var ice *InsufficientCreditsError
	require.ErrorAs(t, err, &ice)
	assert.True(t, ice.Needed.Equal(dec("1")))
	assert.True(t, ice.Available.Equal(dec("0.5")))
	assert.Equal(t, "Insufficient credits. Need 1, have 0.5", err.Error())
	assert.True(t, IsPaymentRequired(err))

	assert.Equal(t, before, store.txCount())
	acct, err := l.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("0.5")))
	assert.Equal(t, 1, m.denials["insufficient_credits"])
}

func TestUseCreditsNoAccount(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	m := newFakeLedgerMetrics()
	l.SetMetrics(m)

	_, err := l.UseCredits(context.Background(), UsageRequest{
		UserID: "ghost", UsageType: UsageToolCall, Amount: decimal.NewFromInt(1),
	})
	assert.ErrorIs(t, err, ErrNoAccount)
	assert.True(t, IsPaymentRequired(err))
	assert.Equal(t, 0, store.txCount())
	assert.Equal(t, 1, m.denials["no_account"])
}

func TestUseCreditsValidation(t *testing.T) {
	l := newTestLedger(newMemStore())
	ctx := context.Background()

	_, err := l.UseCredits(ctx, UsageRequest{UsageType: "x", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrUserRequired)
	_, err = l.UseCredits(ctx, UsageRequest{UserID: "u", Amount: decimal.NewFromInt(1)})
	assert.ErrorIs(t, err, ErrUsageTypeRequired)
	_, err = l.UseCredits(ctx, UsageRequest{UserID: "u", UsageType: "x"})
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	seed(t, l, "u1", "5")

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.UseCredits(context.Background(), UsageRequest{
				UserID: "u1", UsageType: "svc", Amount: decimal.NewFromInt(1),
			})
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 5, successes)
	acct, err := l.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.IsZero(), "balance %s", acct.Balance)
	assert.True(t, acct.TotalUsed.Equal(decimal.NewFromInt(5)))
}

func TestPurchase(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	ctx := context.Background()

	bal, err := l.Purchase(ctx, PurchaseRequest{UserID: "u1", Credits: dec("25"), Reference: "evt_1"})
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("25")))

	_, err = l.Purchase(ctx, PurchaseRequest{UserID: "u1", Credits: dec("25"), Reference: "evt_1"})
	assert.ErrorIs(t, err, ErrDuplicatePurchase)

	_, err = l.Purchase(ctx, PurchaseRequest{UserID: "u1", Credits: dec("0")})
	assert.ErrorIs(t, err, ErrInvalidAmount)

	acct, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, acct.Balance.Equal(dec("25")))
	assert.True(t, acct.TotalPurchased.Equal(dec("25")))

	txs, _, err := l.ListTransactions(ctx, TransactionQuery{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "Purchased 25 credits", txs[0].Description)
}

func TestPurchaseRejectsSubTenthAmounts(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	ctx := context.Background()

	for _, amount := range []string{"0.05", "0.04", "1.25"} {
		_, err := l.Purchase(ctx, PurchaseRequest{UserID: "u1", Credits: dec(amount), Reference: "evt_" + amount})
		assert.ErrorIs(t, err, ErrTooPrecise, amount)
		assert.ErrorIs(t, err, ErrInvalidAmount, amount)
	}
	assert.Equal(t, 0, store.txCount())

	// Trailing zeros are not extra precision.
	bal, err := l.Purchase(ctx, PurchaseRequest{UserID: "u1", Credits: dec("1.50"), Reference: "evt_0.05"})
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("1.5")))
}

func TestValidateCredits(t *testing.T) {
	assert.NoError(t, ValidateCredits(dec("0.1")))
	assert.NoError(t, ValidateCredits(dec("100")))
	assert.ErrorIs(t, ValidateCredits(dec("0")), ErrInvalidAmount)
	assert.ErrorIs(t, ValidateCredits(dec("-1")), ErrInvalidAmount)
	assert.ErrorIs(t, ValidateCredits(dec("0.01")), ErrTooPrecise)
}

// deadlinePricing remembers whether the lookup ran under a deadline.
type deadlinePricing struct {
	mu          sync.Mutex
	hadDeadline bool
}

func (p *deadlinePricing) Rate(ctx context.Context, _ string) (decimal.Decimal, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, p.hadDeadline = ctx.Deadline()
	return dec("1"), true, nil
}

func TestUseCreditsBoundsPricingLookup(t *testing.T) {
	pricing := &deadlinePricing{}
	l := NewLedger(newMemStore(), NewCalculator(pricing, nil), time.Second)
	seed(t, l, "u1", "5")

	_, err := l.UseCredits(context.Background(), UsageRequest{UserID: "u1", UsageType: UsageToolCall, Amount: dec("1")})
	require.NoError(t, err)
	pricing.mu.Lock()
	defer pricing.mu.Unlock()
	assert.True(t, pricing.hadDeadline, "pricing lookup should run under the query timeout")
}

func TestListTransactionsScopedToTenant(t *testing.T) {
	store := newMemStore()
	l := newTestLedger(store)
	ctx := context.Background()

	_, err := l.Purchase(ctx, PurchaseRequest{UserID: "u1", Credits: dec("10")})
	require.NoError(t, err)
	for _, tenant := range []string{"tenant-a", "tenant-b"} {
		_, err := l.UseCredits(ctx, UsageRequest{UserID: "u1", TenantID: tenant, UsageType: UsageToolCall, Amount: dec("1")})
		require.NoError(t, err)
	}

	txs, _, err := l.ListTransactions(ctx, TransactionQuery{UserID: "u1", TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, txs, 2)
	for _, tx := range txs {
		assert.NotEqual(t, "tenant-b", tx.TenantID)
	}

	txs, _, err = l.ListTransactions(ctx, TransactionQuery{UserID: "u1"})
	require.NoError(t, err)
	assert.Len(t, txs, 3)
}

func TestHasCredits(t *testing.T) {
	l := newTestLedger(newMemStore())
	ctx := context.Background()

	ok, err := l.HasCredits(ctx, "new-user")
	require.NoError(t, err)
	assert.False(t, ok)

	seed(t, l, "new-user", "0.1")
	ok, err = l.HasCredits(ctx, "new-user")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestUsageHelpers(t *testing.T) {
	store := newMemStore()
	l := NewLedger(store, NewCalculator(&fakePricing{rates: map[string]decimal.Decimal{
		UsageToolCall:     dec("0.05"),
		UsageSpeechToText: dec("0.5"),
	}}, nil), 0)
	seed(t, l, "u1", "10")
	ctx := context.Background()

	c, err := l.UseToolCall(ctx, "u1", "t1", "get_schedule")
	require.NoError(t, err)
	assert.True(t, c.CreditsUsed.Equal(dec("0.1")))

	c, err = l.UseSpeechToText(ctx, "u1", "t1", dec("3"))
	require.NoError(t, err)
	assert.True(t, c.CreditsUsed.Equal(dec("1.5")))

	c, err = l.UseLLMTokens(ctx, "u1", "t1", "gemini-2.5-flash", 1000)
	require.NoError(t, err)
	assert.True(t, c.CreditsUsed.Equal(dec("0.2")), "0.12 rounds up to 0.2, got %s", c.CreditsUsed)
}
