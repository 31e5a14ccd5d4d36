package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/voxdesk/internal/auth"
	"github.com/alecgard/voxdesk/internal/tenant"
)

// tenantsHandler groups tenant administration handlers.
type tenantsHandler struct {
	store TenantStore
}

func newTenantsHandler(store TenantStore) *tenantsHandler {
	return &tenantsHandler{store: store}
}

// tenantWithKey is returned once, when a key is created or rotated.
type tenantWithKey struct {
	*tenant.Tenant
	APIKey string `json:"api_key"`
}

// Create handles POST /api/v1/admin/tenants.
func (h *tenantsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var input tenant.CreateTenantInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "name is required")
		return
	}
	if input.RateLimit < 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "rate_limit must not be negative")
		return
	}

	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		writeServiceError(w, r, err, "failed to generate api key")
		return
	}
	input.APIKeyHash = key.Hash
	input.KeyPrefix = key.Prefix

	t, err := h.store.Create(r.Context(), input)
	if err != nil {
		writeServiceError(w, r, err, "failed to create tenant")
		return
	}

	auditLog(r, "create", "tenant", t.ID, "name", t.Name)

	writeJSON(w, http.StatusCreated, tenantWithKey{Tenant: t, APIKey: plaintext})
}

// List handles GET /api/v1/admin/tenants.
func (h *tenantsHandler) List(w http.ResponseWriter, r *http.Request) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}

	tenants, next, err := h.store.List(r.Context(), tenant.ListParams{
		Cursor: r.URL.Query().Get("cursor"),
		Limit:  limit,
	})
	if err != nil {
		writeServiceError(w, r, err, "failed to list tenants")
		return
	}
	if tenants == nil {
		tenants = []*tenant.Tenant{}
	}
	writeJSON(w, http.StatusOK, page("tenants", tenants, next))
}

// Get handles GET /api/v1/admin/tenants/{tenantID}.
func (h *tenantsHandler) Get(w http.ResponseWriter, r *http.Request) {
	t, err := h.store.GetByID(r.Context(), chi.URLParam(r, "tenantID"))
	if err != nil {
		writeServiceError(w, r, err, "failed to get tenant")
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// Update handles PUT /api/v1/admin/tenants/{tenantID}.
func (h *tenantsHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")

	var input tenant.UpdateTenantInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if input.Name != nil && strings.TrimSpace(*input.Name) == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "name must not be empty")
		return
	}
	if input.RateLimit != nil && *input.RateLimit < 0 {
		writeError(w, http.StatusBadRequest, "validation_error", "rate_limit must not be negative")
		return
	}

	t, err := h.store.Update(r.Context(), id, input)
	if err != nil {
		writeServiceError(w, r, err, "failed to update tenant")
		return
	}

	auditLog(r, "update", "tenant", id)

	writeJSON(w, http.StatusOK, t)
}

// Delete handles DELETE /api/v1/admin/tenants/{tenantID}.
func (h *tenantsHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")
	if err := h.store.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, err, "failed to delete tenant")
		return
	}

	auditLog(r, "delete", "tenant", id)

	w.WriteHeader(http.StatusNoContent)
}

// RotateKey handles POST /api/v1/admin/tenants/{tenantID}/rotate-key. The new
// plaintext key is only ever returned in this response.
func (h *tenantsHandler) RotateKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "tenantID")

	key, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		writeServiceError(w, r, err, "failed to generate api key")
		return
	}

	t, err := h.store.RotateKey(r.Context(), id, key.Hash, key.Prefix)
	if err != nil {
		writeServiceError(w, r, err, "failed to rotate api key")
		return
	}

	auditLog(r, "rotate_key", "tenant", id, "key_prefix", key.Prefix)

	writeJSON(w, http.StatusOK, tenantWithKey{Tenant: t, APIKey: plaintext})
}
