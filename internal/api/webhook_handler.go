package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alecgard/voxdesk/internal/credits"
	"github.com/alecgard/voxdesk/internal/idempotency"
	"github.com/alecgard/voxdesk/internal/metrics"
)

// webhookHandler receives credit purchase notifications from the payment
// provider.
type webhookHandler struct {
	ledger  Ledger
	guard   idempotency.Guard
	secret  string
	ttl     time.Duration
	metrics *metrics.Metrics
}

func newWebhookHandler(ledger Ledger, guard idempotency.Guard, secret string, ttl time.Duration, m *metrics.Metrics) *webhookHandler {
	if ttl <= 0 {
		ttl = idempotency.DefaultTTL
	}
	if guard == nil {
		guard = idempotency.NewMemoryGuard()
	}
	return &webhookHandler{ledger: ledger, guard: guard, secret: secret, ttl: ttl, metrics: m}
}

type purchaseEvent struct {
	EventID     string          `json:"event_id"`
	UserID      string          `json:"user_id"`
	TenantID    string          `json:"tenant_id"`
	Credits     decimal.Decimal `json:"credits"`
	PackageName string          `json:"package_name"`
}

func (h *webhookHandler) count(result string) {
	if h.metrics != nil {
		h.metrics.IncWebhook(result)
	}
}

// Purchase handles POST /webhooks/purchase. A redelivered event_id is
// acknowledged with 200 and applied only once.
func (h *webhookHandler) Purchase(w http.ResponseWriter, r *http.Request) {
	if h.secret == "" {
		h.count("disabled")
		writeError(w, http.StatusServiceUnavailable, "webhook_disabled", "purchase webhook is not configured")
		return
	}
	got := r.Header.Get("X-Webhook-Secret")
	if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
		h.count("unauthorized")
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid webhook secret")
		return
	}

	var ev purchaseEvent
	if err := readJSON(r, &ev); err != nil {
		h.count("invalid")
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	ev.EventID = strings.TrimSpace(ev.EventID)
	ev.UserID = strings.TrimSpace(ev.UserID)
	switch {
	case ev.EventID == "":
		h.count("invalid")
		writeError(w, http.StatusBadRequest, "validation_error", "event_id is required")
		return
	case ev.UserID == "":
		h.count("invalid")
		writeError(w, http.StatusBadRequest, "validation_error", "user_id is required")
		return
	}
	if err := credits.ValidateCredits(ev.Credits); err != nil {
		h.count("invalid")
		writeError(w, http.StatusBadRequest, "validation_error", err.Error())
		return
	}

	claimed, err := h.guard.Claim(r.Context(), ev.EventID, h.ttl)
	if err != nil {
		h.count("error")
		writeServiceError(w, r, fmt.Errorf("claiming webhook event: %w", err), "failed to process webhook")
		return
	}
	if !claimed {
		h.count("duplicate")
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate", "event_id": ev.EventID})
		return
	}

	desc := fmt.Sprintf("Credit purchase (%s credits)", ev.Credits.String())
	if ev.PackageName != "" {
		desc = fmt.Sprintf("Credit purchase - %s (%s credits)", ev.PackageName, ev.Credits.String())
	}

	balance, err := h.ledger.Purchase(r.Context(), credits.PurchaseRequest{
		UserID:      ev.UserID,
		TenantID:    ev.TenantID,
		Credits:     ev.Credits,
		Reference:   ev.EventID,
		Description: desc,
	})
	if errors.Is(err, credits.ErrDuplicatePurchase) {
		// Already applied, e.g. after the claim expired.
		h.count("duplicate")
		writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate", "event_id": ev.EventID})
		return
	}
	if err != nil {
		// Let the provider redeliver.
		if relErr := h.guard.Release(r.Context(), ev.EventID); relErr != nil {
			reportError(r, relErr, "failed to release webhook claim")
		}
		h.count("error")
		writeServiceError(w, r, err, "failed to apply purchase")
		return
	}

	h.count("applied")
	slog.Info("purchase webhook applied",
		"event_id", ev.EventID,
		"user_id", ev.UserID,
		"tenant_id", ev.TenantID,
		"credits", ev.Credits.String(),
		"request_id", RequestIDFromContext(r.Context()),
	)

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "applied",
		"event_id":        ev.EventID,
		"user_id":         ev.UserID,
		"credits_balance": balance,
	})
}
