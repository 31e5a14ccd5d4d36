package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/alecgard/voxdesk/internal/catalog"
	"github.com/alecgard/voxdesk/internal/credits"
	"github.com/alecgard/voxdesk/internal/router"
	"github.com/alecgard/voxdesk/internal/session"
)

// ---------------------------------------------------------------------------
// Health check handler tests
// ---------------------------------------------------------------------------

// fakePinger implements the Ping(ctx) method used by the health handler.
type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(context.Context) error { return f.err }

func TestHealthCheck_OK(t *testing.T) {
	handler := NewRouter(RouterDeps{
		AllowedOrigins: []string{"*"},
		DB:             &fakePinger{},
	})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
	if body["database"] != "connected" {
		t.Errorf("expected database=connected, got %q", body["database"])
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}
}

func TestHealthCheck_DatabaseDown(t *testing.T) {
	handler := NewRouter(RouterDeps{DB: &fakePinger{err: errors.New("connection refused")}})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected status 503, got %d", rec.Code)
	}
	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if body["status"] != "degraded" || body["database"] != "unreachable" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestHealthCheck_NoDatabase(t *testing.T) {
	handler := NewRouter(RouterDeps{})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var body map[string]string
	_ = json.NewDecoder(rec.Body).Decode(&body)
	if rec.Code != http.StatusOK || body["status"] != "ok" {
		t.Fatalf("expected 200 ok, got %d %v", rec.Code, body)
	}
	if _, ok := body["database"]; ok {
		t.Errorf("expected no database field without a pinger, got %v", body)
	}
}

// ---------------------------------------------------------------------------
// Well-known manifest tests
// ---------------------------------------------------------------------------

func TestWellKnownHandler(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/.well-known/voxdesk.json", nil)
	rec := httptest.NewRecorder()
	WellKnownHandler(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type application/json, got %q", ct)
	}

	var manifest map[string]interface{}
	if err := json.NewDecoder(rec.Body).Decode(&manifest); err != nil {
		t.Fatalf("failed to decode manifest: %v", err)
	}

	requiredFields := []string{"name", "description", "version", "api_base", "auth", "endpoints", "health"}
	for _, field := range requiredFields {
		if _, ok := manifest[field]; !ok {
			t.Errorf("manifest missing required field %q", field)
		}
	}

	if name, _ := manifest["name"].(string); name != "Voxdesk" {
		t.Errorf("expected name=Voxdesk, got %q", name)
	}

	endpoints, ok := manifest["endpoints"].(map[string]interface{})
	if !ok {
		t.Fatal("endpoints field is not an object")
	}
	for _, ep := range []string{"tools", "tools_schema", "sessions", "session_stream", "credits", "usage"} {
		if _, ok := endpoints[ep]; !ok {
			t.Errorf("endpoints missing %q", ep)
		}
	}
}

func TestWellKnownHandler_ViaRouter(t *testing.T) {
	handler := NewRouter(RouterDeps{AllowedOrigins: []string{"*"}})

	req := httptest.NewRequest(http.MethodGet, "/.well-known/voxdesk.json", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 via router, got %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// parseTimeParam tests
// ---------------------------------------------------------------------------

func TestParseTimeParam(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
		wantStr string // expected time formatted as RFC3339 or empty
	}{
		{
			name:    "empty string",
			input:   "",
			wantErr: false,
			wantStr: "",
		},
		{
			name:    "date only",
			input:   "2024-06-15",
			wantErr: false,
			wantStr: "2024-06-15T00:00:00Z",
		},
		{
			name:    "RFC3339",
			input:   "2024-06-15T10:30:00Z",
			wantErr: false,
			wantStr: "2024-06-15T10:30:00Z",
		},
		{
			name:    "invalid format",
			input:   "not-a-date",
			wantErr: true,
		},
		{
			name:    "partial date",
			input:   "2024-06",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseTimeParam(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantStr == "" {
				if !result.IsZero() {
					t.Errorf("expected zero time, got %v", result)
				}
			} else {
				if result.Format(time.RFC3339) != tt.wantStr {
					t.Errorf("expected %s, got %s", tt.wantStr, result.Format(time.RFC3339))
				}
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Error mapping tests
// ---------------------------------------------------------------------------

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"no account", fmt.Errorf("use: %w", credits.ErrNoAccount), http.StatusPaymentRequired, "no_credit_account"},
		{"no credits", credits.ErrNoCredits, http.StatusPaymentRequired, "insufficient_credits"},
		{"insufficient", &credits.InsufficientCreditsError{}, http.StatusPaymentRequired, "insufficient_credits"},
		{"duplicate purchase", credits.ErrDuplicatePurchase, http.StatusConflict, "duplicate_purchase"},
		{"invalid amount", credits.ErrInvalidAmount, http.StatusBadRequest, "validation_error"},
		{"catalog validation", fmt.Errorf("tool: %w", catalog.ErrNameRequired), http.StatusBadRequest, "validation_error"},
		{"unknown tool", router.ErrUnknownTool, http.StatusNotFound, "unknown_tool"},
		{"host not allowed", router.ErrHostNotAllowed, http.StatusForbidden, "host_not_allowed"},
		{"missing path arg", router.ErrMissingPathArg, http.StatusBadRequest, "invalid_arguments"},
		{"session not found", session.ErrNotFound, http.StatusNotFound, "session_not_found"},
		{"no rows", fmt.Errorf("get: %w", pgx.ErrNoRows), http.StatusNotFound, "not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, msg, ok := classifyError(tt.err)
			if !ok {
				t.Fatalf("expected %v to be classified", tt.err)
			}
			if status != tt.wantStatus || code != tt.wantCode {
				t.Errorf("got %d %q, want %d %q", status, code, tt.wantStatus, tt.wantCode)
			}
			if msg == "" {
				t.Error("expected a message")
			}
		})
	}

	if _, _, _, ok := classifyError(errors.New("boom")); ok {
		t.Error("expected an unknown error to be unclassified")
	}
}

func TestClassifyError_CreditMessages(t *testing.T) {
	_, _, msg, _ := classifyError(credits.ErrNoAccount)
	if msg != "No credit account found. Please purchase credits first." {
		t.Errorf("unexpected no-account message %q", msg)
	}
	_, _, msg, _ = classifyError(credits.ErrNoCredits)
	if !strings.HasPrefix(msg, "No credits available.") {
		t.Errorf("unexpected no-credits message %q", msg)
	}
}

func TestWriteServiceError_Unknown(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	writeServiceError(rec, req, errors.New("db exploded"), "failed to do thing")

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var env errorEnvelope
	_ = json.NewDecoder(rec.Body).Decode(&env)
	if env.Error.Code != "internal_error" || env.Error.Message != "failed to do thing" {
		t.Errorf("unexpected envelope %+v", env)
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query  string
		want   int
		wantOK bool
	}{
		{"", 0, true},
		{"limit=10", 10, true},
		{"limit=0", 0, false},
		{"limit=-3", 0, false},
		{"limit=abc", 0, false},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/x?"+tt.query, nil)
		got, ok := parseLimit(req)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("parseLimit(%q) = %d, %v; want %d, %v", tt.query, got, ok, tt.want, tt.wantOK)
		}
	}
}
