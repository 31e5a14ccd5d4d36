package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/alecgard/voxdesk/internal/auth"
	"github.com/alecgard/voxdesk/internal/session"
	"github.com/alecgard/voxdesk/internal/toolschema"
)

// toolsHandler exposes the calling tenant's tools.
type toolsHandler struct {
	catalog  CatalogService
	sessions *session.Orchestrator
}

func newToolsHandler(cat CatalogService, sessions *session.Orchestrator) *toolsHandler {
	return &toolsHandler{catalog: cat, sessions: sessions}
}

// ListTools handles GET /api/v1/tools. Only enabled tools are listed.
func (h *toolsHandler) ListTools(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())
	listTools(w, r, h.catalog, t.ID, true)
}

// Schema handles GET /api/v1/tools/schema: the function declarations the
// model is given, plus diagnostics for arguments that were left out.
func (h *toolsHandler) Schema(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())
	_, result, err := h.sessions.Toolset(r.Context(), t.ID)
	if err != nil {
		writeServiceError(w, r, err, "failed to build tool schema")
		return
	}
	if result.Declarations == nil {
		result.Declarations = []toolschema.Declaration{}
	}
	writeJSON(w, http.StatusOK, result)
}

type executeRequest struct {
	UserID    string         `json:"user_id"`
	Arguments map[string]any `json:"arguments"`
}

// Execute handles POST /api/v1/tools/{name}/execute. The call is gated on
// and billed to user_id. A failed upstream call is still a 200 whose body
// has ok=false; unknown tools, bad arguments and disallowed hosts are
// mapped to 404, 400 and 403.
func (h *toolsHandler) Execute(w http.ResponseWriter, r *http.Request) {
	t := auth.TenantFromContext(r.Context())
	name := chi.URLParam(r, "name")

	var req executeRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "validation_error", "user_id is required")
		return
	}
	if req.Arguments == nil {
		req.Arguments = map[string]any{}
	}

	out, err := h.sessions.ExecuteTool(r.Context(), t.ID, req.UserID, name, req.Arguments)
	if err != nil {
		writeServiceError(w, r, err, "failed to execute tool")
		return
	}
	writeJSON(w, http.StatusOK, out)
}
