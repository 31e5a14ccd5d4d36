package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/alecgard/voxdesk/internal/auth"
	"github.com/alecgard/voxdesk/internal/credits"
)

// creditsHandler groups balance, usage and pricing handlers.
type creditsHandler struct {
	ledger  Ledger
	pricing PricingStore
}

func newCreditsHandler(ledger Ledger, pricing PricingStore) *creditsHandler {
	return &creditsHandler{ledger: ledger, pricing: pricing}
}

// Balance handles GET /api/v1/credits/{userID}. A missing account is created
// with a zero balance.
func (h *creditsHandler) Balance(w http.ResponseWriter, r *http.Request) {
	acct, err := h.ledger.Balance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, r, err, "failed to get credit balance")
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// sessionCheck tells a client whether a voice session may start.
type sessionCheck struct {
	CanStartSession bool            `json:"can_start_session"`
	Reason          string          `json:"reason,omitempty"`
	Message         string          `json:"message"`
	CreditsBalance  decimal.Decimal `json:"credits_balance"`
}

// SessionCheck handles GET /api/v1/credits/{userID}/session-check.
func (h *creditsHandler) SessionCheck(w http.ResponseWriter, r *http.Request) {
	acct, err := h.ledger.Balance(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, r, err, "failed to check credits")
		return
	}
	if !acct.Balance.IsPositive() {
		writeJSON(w, http.StatusOK, sessionCheck{
			Reason:         "insufficient_credits",
			Message:        msgNoCredits,
			CreditsBalance: acct.Balance,
		})
		return
	}
	writeJSON(w, http.StatusOK, sessionCheck{
		CanStartSession: true,
		Message:         "Sufficient credits available.",
		CreditsBalance:  acct.Balance,
	})
}

// ListTransactions handles GET /api/v1/credits/{userID}/transactions. Rows
// charged to other tenants are not listed.
func (h *creditsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}
	txType := r.URL.Query().Get("type")
	if txType != "" && txType != credits.TypePurchase && txType != credits.TypeUsage {
		writeError(w, http.StatusBadRequest, "invalid_params", "type must be purchase or usage")
		return
	}

	q := credits.TransactionQuery{
		UserID: chi.URLParam(r, "userID"),
		Type:   txType,
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  limit,
	}
	if t := auth.TenantFromContext(r.Context()); t != nil {
		q.TenantID = t.ID
	}
	txns, next, err := h.ledger.ListTransactions(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, err, "failed to list transactions")
		return
	}
	if txns == nil {
		txns = []*credits.Transaction{}
	}
	writeJSON(w, http.StatusOK, page("transactions", txns, next))
}

// Use handles POST /api/v1/credits/use. The tenant is taken from the API key;
// a tenant_id in the body is ignored.
func (h *creditsHandler) Use(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())

	var req credits.UsageRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	req.TenantID = t.ID
	req.UserID = strings.TrimSpace(req.UserID)
	req.UsageType = strings.TrimSpace(req.UsageType)

	charge, err := h.ledger.UseCredits(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, err, "failed to use credits")
		return
	}
	writeJSON(w, http.StatusOK, charge)
}

type grantRequest struct {
	Credits     decimal.Decimal `json:"credits"`
	TenantID    string          `json:"tenant_id"`
	Reference   string          `json:"reference"`
	Description string          `json:"description"`
}

// Grant handles POST /api/v1/admin/credits/{userID}/grant.
func (h *creditsHandler) Grant(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	var req grantRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.Description == "" {
		req.Description = "Admin credit grant"
	}

	balance, err := h.ledger.Purchase(r.Context(), credits.PurchaseRequest{
		UserID:      userID,
		TenantID:    req.TenantID,
		Credits:     req.Credits,
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		writeServiceError(w, r, err, "failed to grant credits")
		return
	}

	auditLog(r, "grant", "credit_account", userID, "credits", req.Credits.String())

	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":         userID,
		"credits_added":   req.Credits,
		"credits_balance": balance,
	})
}

// ListPricing handles GET /api/v1/admin/pricing.
func (h *creditsHandler) ListPricing(w http.ResponseWriter, r *http.Request) {
	rows, err := h.pricing.List(r.Context())
	if err != nil {
		writeServiceError(w, r, err, "failed to list pricing")
		return
	}
	if rows == nil {
		rows = []credits.Pricing{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"pricing": rows})
}

type upsertPricingRequest struct {
	CostPerUnit     decimal.Decimal `json:"cost_per_unit"`
	UnitDescription string          `json:"unit_description"`
	IsActive        *bool           `json:"is_active"`
}

// UpsertPricing handles PUT /api/v1/admin/pricing/{serviceType}.
func (h *creditsHandler) UpsertPricing(w http.ResponseWriter, r *http.Request) {
	serviceType := strings.TrimSpace(chi.URLParam(r, "serviceType"))

	var req upsertPricingRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if req.CostPerUnit.IsNegative() {
		writeError(w, http.StatusBadRequest, "validation_error", "cost_per_unit must not be negative")
		return
	}

	p := credits.Pricing{
		ServiceType:     serviceType,
		CostPerUnit:     req.CostPerUnit,
		UnitDescription: req.UnitDescription,
		IsActive:        req.IsActive == nil || *req.IsActive,
	}
	if err := h.pricing.Upsert(r.Context(), p); err != nil {
		writeServiceError(w, r, err, "failed to save pricing")
		return
	}

	auditLog(r, "upsert", "pricing", serviceType, "cost_per_unit", p.CostPerUnit.String(), "is_active", p.IsActive)

	writeJSON(w, http.StatusOK, p)
}
