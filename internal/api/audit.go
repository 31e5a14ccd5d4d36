package api

import (
	"log/slog"
	"net/http"

	"github.com/alecgard/voxdesk/internal/auth"
)

// auditLog emits a structured audit log entry for an admin or tenant action.
func auditLog(r *http.Request, action string, resourceType string, resourceID string, detail ...any) {
	attrs := []any{
		"action", action,
		"resource_type", resourceType,
		"resource_id", resourceID,
		"ip", clientIP(r),
		"request_id", RequestIDFromContext(r.Context()),
	}

	if t := auth.TenantFromContext(r.Context()); t != nil {
		attrs = append(attrs, "actor", "tenant", "tenant_id", t.ID)
	} else {
		attrs = append(attrs, "actor", "admin")
	}

	attrs = append(attrs, detail...)
	slog.Info("audit", attrs...)
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}
