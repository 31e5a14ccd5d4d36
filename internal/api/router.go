package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"

	"github.com/alecgard/voxdesk/internal/auth"
	"github.com/alecgard/voxdesk/internal/catalog"
	"github.com/alecgard/voxdesk/internal/credits"
	"github.com/alecgard/voxdesk/internal/idempotency"
	"github.com/alecgard/voxdesk/internal/metering"
	"github.com/alecgard/voxdesk/internal/metrics"
	"github.com/alecgard/voxdesk/internal/ratelimit"
	"github.com/alecgard/voxdesk/internal/session"
	"github.com/alecgard/voxdesk/internal/tenant"
)

// TenantStore is the tenant registry used by the admin endpoints.
type TenantStore interface {
	Create(ctx context.Context, in tenant.CreateTenantInput) (*tenant.Tenant, error)
	GetByID(ctx context.Context, id string) (*tenant.Tenant, error)
	List(ctx context.Context, params tenant.ListParams) ([]*tenant.Tenant, string, error)
	Update(ctx context.Context, id string, in tenant.UpdateTenantInput) (*tenant.Tenant, error)
	RotateKey(ctx context.Context, id, hash, prefix string) (*tenant.Tenant, error)
	Delete(ctx context.Context, id string) error
}

// CatalogService manages a tenant's API connections and tools.
type CatalogService interface {
	CreateConnection(ctx context.Context, tenantID string, input catalog.CreateConnectionInput) (*catalog.APIConnection, error)
	GetConnection(ctx context.Context, tenantID, id string) (*catalog.APIConnection, error)
	ListConnections(ctx context.Context, tenantID string) ([]*catalog.APIConnection, error)
	UpdateConnection(ctx context.Context, tenantID, id string, input catalog.UpdateConnectionInput) (*catalog.APIConnection, error)
	DeleteConnection(ctx context.Context, tenantID, id string) error
	CreateTool(ctx context.Context, tenantID string, input catalog.CreateToolInput) (*catalog.Tool, error)
	GetTool(ctx context.Context, tenantID, id string) (*catalog.Tool, error)
	ListTools(ctx context.Context, tenantID string, params catalog.ToolListParams) ([]*catalog.Tool, string, error)
	UpdateTool(ctx context.Context, tenantID, id string, input catalog.UpdateToolInput) (*catalog.Tool, error)
	DisableTool(ctx context.Context, tenantID, id string) error
}

// Ledger is the credit ledger surface exposed over HTTP.
type Ledger interface {
	Balance(ctx context.Context, userID string) (*credits.Account, error)
	UseCredits(ctx context.Context, req credits.UsageRequest) (*credits.Charge, error)
	Purchase(ctx context.Context, req credits.PurchaseRequest) (decimal.Decimal, error)
	ListTransactions(ctx context.Context, q credits.TransactionQuery) ([]*credits.Transaction, string, error)
}

// PricingStore reads and writes per-unit credit rates.
type PricingStore interface {
	List(ctx context.Context) ([]credits.Pricing, error)
	Upsert(ctx context.Context, p credits.Pricing) error
}

// UsageStore answers usage telemetry queries.
type UsageStore interface {
	GetSummary(ctx context.Context, q metering.UsageQuery) (*metering.UsageSummary, error)
	GetToolCallCounts(ctx context.Context, tenantID string) (map[string]int64, error)
	ListEvents(ctx context.Context, q metering.UsageQuery) ([]*metering.Event, string, error)
}

// Pinger reports database reachability for the health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RouterDeps holds all dependencies for the API router.
type RouterDeps struct {
	Tenants  TenantStore
	Catalog  CatalogService
	Ledger   Ledger
	Pricing  PricingStore
	Usage    UsageStore
	Sessions *session.Orchestrator
	Auth     *auth.Service
	Limiter  *ratelimit.Limiter
	Metrics  *metrics.Metrics
	DB       Pinger

	// Webhooks dedupes purchase webhook deliveries.
	Webhooks      idempotency.Guard
	WebhookSecret string
	WebhookTTL    time.Duration

	// PerUserRate bounds chat messages per end user and window. Zero disables it.
	PerUserRate int

	AllowedOrigins []string
	Sentry         bool
}

// NewRouter builds the chi router with all routes and middleware.
func NewRouter(deps RouterDeps) http.Handler {
	r := chi.NewRouter()

	// Global middleware.
	r.Use(requestIDMiddleware)
	r.Use(slogRequestLogger)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(chimw.Recoverer)
	if deps.Sentry {
		r.Use(sentryMiddleware)
	}
	r.Use(secureHeaders)
	r.Use(corsMiddleware(deps.AllowedOrigins))

	// Handlers.
	tenants := newTenantsHandler(deps.Tenants)
	cat := newCatalogHandler(deps.Catalog, deps.Tenants)
	tools := newToolsHandler(deps.Catalog, deps.Sessions)
	sessions := newSessionsHandler(deps.Sessions, deps.Limiter, deps.PerUserRate, deps.Metrics)
	creds := newCreditsHandler(deps.Ledger, deps.Pricing)
	usage := newUsageHandler(deps.Usage)
	webhooks := newWebhookHandler(deps.Ledger, deps.Webhooks, deps.WebhookSecret, deps.WebhookTTL, deps.Metrics)

	r.Get("/health", healthHandler(deps.DB))

	r.Get("/.well-known/voxdesk.json", WellKnownHandler)

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Exposition())
	}

	r.Post("/webhooks/purchase", webhooks.Purchase)

	// Admin routes (require admin key).
	r.Route("/api/v1/admin", func(ar chi.Router) {
		if deps.Metrics != nil {
			ar.Use(countAuthFailures(deps.Metrics, "admin"))
		}
		ar.Use(auth.AdminKeyMiddleware(deps.Auth))

		ar.Post("/tenants", tenants.Create)
		ar.Get("/tenants", tenants.List)
		ar.Get("/tenants/{tenantID}", tenants.Get)
		ar.Put("/tenants/{tenantID}", tenants.Update)
		ar.Delete("/tenants/{tenantID}", tenants.Delete)
		ar.Post("/tenants/{tenantID}/rotate-key", tenants.RotateKey)

		ar.Post("/tenants/{tenantID}/connections", cat.CreateConnection)
		ar.Get("/tenants/{tenantID}/connections", cat.ListConnections)
		ar.Get("/tenants/{tenantID}/connections/{id}", cat.GetConnection)
		ar.Put("/tenants/{tenantID}/connections/{id}", cat.UpdateConnection)
		ar.Delete("/tenants/{tenantID}/connections/{id}", cat.DeleteConnection)

		ar.Post("/tenants/{tenantID}/tools", cat.CreateTool)
		ar.Get("/tenants/{tenantID}/tools", cat.ListTools)
		ar.Get("/tenants/{tenantID}/tools/{id}", cat.GetTool)
		ar.Put("/tenants/{tenantID}/tools/{id}", cat.UpdateTool)
		ar.Post("/tenants/{tenantID}/tools/{id}/disable", cat.DisableTool)
		ar.Delete("/tenants/{tenantID}/tools/{id}", cat.DisableTool)

		ar.Get("/pricing", creds.ListPricing)
		ar.Put("/pricing/{serviceType}", creds.UpsertPricing)
		ar.Post("/credits/{userID}/grant", creds.Grant)

		ar.Get("/usage", usage.GetUsageAdmin)
		ar.Get("/usage/events", usage.ListEventsAdmin)
		ar.Get("/usage/tenants/{tenantID}/tools", usage.GetToolCallCounts)

		if deps.Metrics != nil {
			ar.Get("/metrics", deps.Metrics.Handler())
		}
	})

	// Tenant-authed routes (require tenant API key + rate limiting).
	r.Route("/api/v1", func(ar chi.Router) {
		if deps.Metrics != nil {
			ar.Use(countAuthFailures(deps.Metrics, "tenant"))
		}
		ar.Use(auth.TenantAuthMiddleware(deps.Auth))
		ar.Use(ratelimit.Middleware(deps.Limiter, rejectionCounter(deps.Metrics, "tenant")...))

		ar.Get("/tools", tools.ListTools)
		ar.Get("/tools/schema", tools.Schema)
		ar.Post("/tools/{name}/execute", tools.Execute)

		ar.Post("/sessions", sessions.Start)
		ar.Post("/sessions/{id}/messages", sessions.SendMessage)
		ar.Delete("/sessions/{id}", sessions.End)
		ar.Get("/sessions/{id}/ws", sessions.Stream)

		ar.Get("/credits/{userID}", creds.Balance)
		ar.Get("/credits/{userID}/transactions", creds.ListTransactions)
		ar.Get("/credits/{userID}/session-check", creds.SessionCheck)
		ar.Post("/credits/use", creds.Use)

		ar.Get("/usage", usage.GetUsage)
	})

	return r
}

// rejectionCounter returns the rate limit rejection hook for scope, if
// metrics are enabled.
func rejectionCounter(m *metrics.Metrics, scope string) []func() {
	if m == nil {
		return nil
	}
	return []func(){func() { m.IncRateLimitRejection(scope) }}
}

// healthHandler reports liveness and, when db is set, database reachability.
func healthHandler(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]string{"status": "ok"}
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				resp["status"] = "degraded"
				resp["database"] = "unreachable"
				writeJSON(w, http.StatusServiceUnavailable, resp)
				return
			}
			resp["database"] = "connected"
		}
		writeJSON(w, http.StatusOK, resp)
	}
}
