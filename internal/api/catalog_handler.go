package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/voxdesk/internal/catalog"
)

// catalogHandler manages tenant API connections and tools (admin).
type catalogHandler struct {
	service CatalogService
	tenants TenantStore
}

func newCatalogHandler(svc CatalogService, tenants TenantStore) *catalogHandler {
	return &catalogHandler{service: svc, tenants: tenants}
}

// tenantID resolves the {tenantID} URL param to an existing tenant, writing
// a 404 when it does not exist.
func (h *catalogHandler) tenantID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := chi.URLParam(r, "tenantID")
	if _, err := h.tenants.GetByID(r.Context(), id); err != nil {
		writeServiceError(w, r, err, "failed to get tenant")
		return "", false
	}
	return id, true
}

// CreateConnection handles POST /api/v1/admin/tenants/{tenantID}/connections.
func (h *catalogHandler) CreateConnection(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	var input catalog.CreateConnectionInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	conn, err := h.service.CreateConnection(r.Context(), tenantID, input)
	if err != nil {
		writeServiceError(w, r, err, "failed to create connection")
		return
	}

	auditLog(r, "create", "api_connection", conn.ID, "tenant_id", tenantID, "base_url", conn.BaseURL)

	writeJSON(w, http.StatusCreated, conn)
}

// ListConnections handles GET /api/v1/admin/tenants/{tenantID}/connections.
func (h *catalogHandler) ListConnections(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	conns, err := h.service.ListConnections(r.Context(), tenantID)
	if err != nil {
		writeServiceError(w, r, err, "failed to list connections")
		return
	}
	if conns == nil {
		conns = []*catalog.APIConnection{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"connections": conns})
}

// GetConnection handles GET /api/v1/admin/tenants/{tenantID}/connections/{id}.
func (h *catalogHandler) GetConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.service.GetConnection(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, "failed to get connection")
		return
	}
	writeJSON(w, http.StatusOK, conn)
}

// UpdateConnection handles PUT /api/v1/admin/tenants/{tenantID}/connections/{id}.
func (h *catalogHandler) UpdateConnection(w http.ResponseWriter, r *http.Request) {
	tenantID, id := chi.URLParam(r, "tenantID"), chi.URLParam(r, "id")

	var input catalog.UpdateConnectionInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	conn, err := h.service.UpdateConnection(r.Context(), tenantID, id, input)
	if err != nil {
		writeServiceError(w, r, err, "failed to update connection")
		return
	}

	auditLog(r, "update", "api_connection", id, "tenant_id", tenantID)

	writeJSON(w, http.StatusOK, conn)
}

// DeleteConnection handles DELETE /api/v1/admin/tenants/{tenantID}/connections/{id}.
func (h *catalogHandler) DeleteConnection(w http.ResponseWriter, r *http.Request) {
	tenantID, id := chi.URLParam(r, "tenantID"), chi.URLParam(r, "id")
	if err := h.service.DeleteConnection(r.Context(), tenantID, id); err != nil {
		writeServiceError(w, r, err, "failed to delete connection")
		return
	}

	auditLog(r, "delete", "api_connection", id, "tenant_id", tenantID)

	w.WriteHeader(http.StatusNoContent)
}

// CreateTool handles POST /api/v1/admin/tenants/{tenantID}/tools.
func (h *catalogHandler) CreateTool(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}

	var input catalog.CreateToolInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	tool, err := h.service.CreateTool(r.Context(), tenantID, input)
	if err != nil {
		writeServiceError(w, r, err, "failed to create tool")
		return
	}

	auditLog(r, "create", "tool", tool.ID, "tenant_id", tenantID, "name", tool.Name)

	writeJSON(w, http.StatusCreated, tool)
}

// ListTools handles GET /api/v1/admin/tenants/{tenantID}/tools.
func (h *catalogHandler) ListTools(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenantID(w, r)
	if !ok {
		return
	}
	listTools(w, r, h.service, tenantID, false)
}

// GetTool handles GET /api/v1/admin/tenants/{tenantID}/tools/{id}.
func (h *catalogHandler) GetTool(w http.ResponseWriter, r *http.Request) {
	tool, err := h.service.GetTool(r.Context(), chi.URLParam(r, "tenantID"), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err, "failed to get tool")
		return
	}
	writeJSON(w, http.StatusOK, tool)
}

// UpdateTool handles PUT /api/v1/admin/tenants/{tenantID}/tools/{id}.
func (h *catalogHandler) UpdateTool(w http.ResponseWriter, r *http.Request) {
	tenantID, id := chi.URLParam(r, "tenantID"), chi.URLParam(r, "id")

	var input catalog.UpdateToolInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	tool, err := h.service.UpdateTool(r.Context(), tenantID, id, input)
	if err != nil {
		writeServiceError(w, r, err, "failed to update tool")
		return
	}

	auditLog(r, "update", "tool", id, "tenant_id", tenantID, "version", tool.Version)

	writeJSON(w, http.StatusOK, tool)
}

// DisableTool handles POST .../tools/{id}/disable and DELETE .../tools/{id}.
// Tools are soft-deleted so usage history keeps resolving.
func (h *catalogHandler) DisableTool(w http.ResponseWriter, r *http.Request) {
	tenantID, id := chi.URLParam(r, "tenantID"), chi.URLParam(r, "id")
	if err := h.service.DisableTool(r.Context(), tenantID, id); err != nil {
		writeServiceError(w, r, err, "failed to disable tool")
		return
	}

	auditLog(r, "disable", "tool", id, "tenant_id", tenantID)

	w.WriteHeader(http.StatusNoContent)
}

// listTools writes a cursor-paginated tool list for tenantID.
func listTools(w http.ResponseWriter, r *http.Request, svc CatalogService, tenantID string, enabledOnly bool) {
	limit, ok := parseLimit(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
		return
	}

	tools, next, err := svc.ListTools(r.Context(), tenantID, catalog.ToolListParams{
		Cursor:      r.URL.Query().Get("cursor"),
		Limit:       limit,
		Query:       r.URL.Query().Get("q"),
		EnabledOnly: enabledOnly,
	})
	if err != nil {
		writeServiceError(w, r, err, "failed to list tools")
		return
	}
	if tools == nil {
		tools = []*catalog.Tool{}
	}
	writeJSON(w, http.StatusOK, page("tools", tools, next))
}
