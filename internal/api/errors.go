package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5"

	"github.com/alecgard/voxdesk/internal/catalog"
	"github.com/alecgard/voxdesk/internal/credits"
	"github.com/alecgard/voxdesk/internal/router"
	"github.com/alecgard/voxdesk/internal/session"
)

// maxBodySize is the maximum allowed request body size (1 MB).
const maxBodySize = 1 << 20

// errorEnvelope is the standard error response shape.
type errorEnvelope struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// writeError writes a JSON error response with the given status code.
func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(errorEnvelope{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	})
}

// writeJSON writes a JSON response with the given status code and data.
func writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// readJSON decodes the request body into v, enforcing a size limit.
func readJSON(r *http.Request, v any) error {
	lr := io.LimitReader(r.Body, maxBodySize)
	return json.NewDecoder(lr).Decode(v)
}

// Messages shown to end users when they must buy credits.
const (
	msgNoAccount = "No credit account found. Please purchase credits first."
	msgNoCredits = "No credits available. Please purchase credits to continue."
)

// classifyError maps a domain error onto an HTTP status, error code and
// client-facing message. ok is false for errors with no mapping.
func classifyError(err error) (status int, code, message string, ok bool) {
	var ice *credits.InsufficientCreditsError
	switch {
	case errors.Is(err, credits.ErrNoAccount):
		return http.StatusPaymentRequired, "no_credit_account", msgNoAccount, true
	case errors.Is(err, credits.ErrNoCredits):
		return http.StatusPaymentRequired, "insufficient_credits", msgNoCredits, true
	case errors.As(err, &ice):
		return http.StatusPaymentRequired, "insufficient_credits", ice.Error(), true
	case errors.Is(err, credits.ErrDuplicatePurchase):
		return http.StatusConflict, "duplicate_purchase", err.Error(), true
	case errors.Is(err, credits.ErrInvalidAmount),
		errors.Is(err, credits.ErrUserRequired),
		errors.Is(err, credits.ErrUsageTypeRequired):
		return http.StatusBadRequest, "validation_error", err.Error(), true
	case catalog.IsValidation(err):
		return http.StatusBadRequest, "validation_error", err.Error(), true
	case errors.Is(err, router.ErrUnknownTool):
		return http.StatusNotFound, "unknown_tool", err.Error(), true
	case errors.Is(err, router.ErrHostNotAllowed):
		return http.StatusForbidden, "host_not_allowed", err.Error(), true
	case errors.Is(err, router.ErrMissingPathArg), errors.Is(err, router.ErrInvalidPathArg):
		return http.StatusBadRequest, "invalid_arguments", err.Error(), true
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "session_not_found", "session not found", true
	case errors.Is(err, pgx.ErrNoRows):
		return http.StatusNotFound, "not_found", "resource not found", true
	}
	return 0, "", "", false
}

// writeServiceError writes the mapped error envelope for err. Anything
// unrecognized is logged, reported to Sentry when enabled, and answered with
// a 500 carrying fallback.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	if status, code, msg, ok := classifyError(err); ok {
		writeError(w, status, code, msg)
		return
	}
	reportError(r, err, fallback)
	writeError(w, http.StatusInternalServerError, "internal_error", fallback)
}

// reportError logs an unexpected error and forwards it to Sentry.
func reportError(r *http.Request, err error, msg string) {
	slog.Error(msg, "error", err, "path", r.URL.Path, "request_id", RequestIDFromContext(r.Context()))
	if hub := sentry.GetHubFromContext(r.Context()); hub != nil {
		hub.CaptureException(err)
	}
}

// parseLimit reads the optional positive limit query parameter.
func parseLimit(r *http.Request) (int, bool) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, true
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// page wraps a list response with its optional next cursor.
func page(key string, items any, nextCursor string) map[string]any {
	resp := map[string]any{key: items}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	return resp
}
