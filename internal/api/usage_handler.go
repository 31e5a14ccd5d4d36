package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/voxdesk/internal/auth"
	"github.com/alecgard/voxdesk/internal/metering"
)

// usageHandler groups usage telemetry handlers.
type usageHandler struct {
	store UsageStore
}

func newUsageHandler(store UsageStore) *usageHandler {
	return &usageHandler{store: store}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	// Try RFC3339 first.
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	// Fall back to date-only.
	t, err = time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}

// buildUsageQuery constructs a UsageQuery from query params. Tenant callers
// are pinned to their own tenant; admins may filter by tenant_id.
func buildUsageQuery(r *http.Request, isAdmin bool) (metering.UsageQuery, error) {
	qs := r.URL.Query()
	q := metering.UsageQuery{
		UserID:    qs.Get("user_id"),
		SessionID: qs.Get("session_id"),
		Kind:      qs.Get("kind"),
		Name:      qs.Get("name"),
		Cursor:    qs.Get("cursor"),
	}
	if isAdmin {
		q.TenantID = qs.Get("tenant_id")
	} else if t := auth.TenantFromContext(r.Context()); t != nil {
		q.TenantID = t.ID
	}

	if q.Kind != "" && q.Kind != metering.KindTool && q.Kind != metering.KindLLM {
		return q, fmt.Errorf("kind must be %q or %q", metering.KindTool, metering.KindLLM)
	}

	var err error
	if q.From, err = parseTimeParam(qs.Get("from")); err != nil {
		return q, fmt.Errorf("invalid 'from' parameter")
	}
	if q.To, err = parseTimeParam(qs.Get("to")); err != nil {
		return q, fmt.Errorf("invalid 'to' parameter")
	}

	limit, ok := parseLimit(r)
	if !ok {
		return q, fmt.Errorf("limit must be a positive integer")
	}
	q.Limit = limit
	return q, nil
}

// GetUsage handles GET /api/v1/usage (tenant can only see its own usage).
func (h *usageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	h.summary(w, r, false)
}

// GetUsageAdmin handles GET /api/v1/admin/usage.
func (h *usageHandler) GetUsageAdmin(w http.ResponseWriter, r *http.Request) {
	h.summary(w, r, true)
}

func (h *usageHandler) summary(w http.ResponseWriter, r *http.Request, isAdmin bool) {
	q, err := buildUsageQuery(r, isAdmin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	summary, err := h.store.GetSummary(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, err, "failed to get usage summary")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// ListEventsAdmin handles GET /api/v1/admin/usage/events.
func (h *usageHandler) ListEventsAdmin(w http.ResponseWriter, r *http.Request) {
	q, err := buildUsageQuery(r, true)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters: "+err.Error())
		return
	}

	events, next, err := h.store.ListEvents(r.Context(), q)
	if err != nil {
		writeServiceError(w, r, err, "failed to list usage events")
		return
	}
	if events == nil {
		events = []*metering.Event{}
	}
	writeJSON(w, http.StatusOK, page("events", events, next))
}

// GetToolCallCounts handles GET /api/v1/admin/usage/tenants/{tenantID}/tools.
func (h *usageHandler) GetToolCallCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := h.store.GetToolCallCounts(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeServiceError(w, r, err, "failed to get tool call counts")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counts": counts})
}
