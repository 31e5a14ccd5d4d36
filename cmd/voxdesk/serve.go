package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/alecgard/voxdesk/internal/api"
	"github.com/alecgard/voxdesk/internal/auth"
	"github.com/alecgard/voxdesk/internal/catalog"
	"github.com/alecgard/voxdesk/internal/config"
	"github.com/alecgard/voxdesk/internal/credits"
	"github.com/alecgard/voxdesk/internal/idempotency"
	"github.com/alecgard/voxdesk/internal/llm"
	"github.com/alecgard/voxdesk/internal/metering"
	"github.com/alecgard/voxdesk/internal/metrics"
	"github.com/alecgard/voxdesk/internal/narrate"
	"github.com/alecgard/voxdesk/internal/ratelimit"
	"github.com/alecgard/voxdesk/internal/router"
	"github.com/alecgard/voxdesk/internal/session"
	"github.com/alecgard/voxdesk/internal/tenant"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Voxdesk API server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if cfg.LLM.APIKey == "" {
		return errors.New("llm.api_key is required (set GEMINI_API_KEY)")
	}

	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     "voxdesk@" + version,
		}); err != nil {
			return fmt.Errorf("initializing sentry: %w", err)
		}
		defer sentry.Flush(2 * time.Second)
		slog.Info("sentry error reporting enabled", "environment", cfg.Sentry.Environment)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (int32, int32, int32) {
		s := pool.Stat()
		return s.TotalConns(), s.IdleConns(), s.AcquiredConns()
	})

	tenantStore := tenant.NewStore(pool)
	catalogService := catalog.NewService(catalog.NewStore(pool))

	pricing := credits.NewPricingStore(pool)
	ledger := credits.NewLedger(credits.NewStore(pool), credits.NewCalculator(pricing, logger), cfg.Database.QueryTimeout)
	ledger.SetLogger(logger)
	ledger.SetMetrics(m)

	meterStore := metering.NewStore(pool)
	collector := metering.NewCollector(meterStore, cfg.Metering.BatchSize, cfg.Metering.FlushInterval)
	collector.SetLogger(logger)
	collector.SetMetrics(m)
	go collector.Start(ctx)

	guard, closeGuard, err := newWebhookGuard(ctx, cfg.Redis.URL)
	if err != nil {
		return err
	}
	defer closeGuard()

	model, err := llm.NewGemini(ctx, cfg.LLM.APIKey, logger)
	if err != nil {
		return fmt.Errorf("creating gemini client: %w", err)
	}

	var narrator narrate.Narrator = narrate.Plain{}
	if cfg.Narrator.APIKey != "" {
		oa, err := narrate.NewOpenAI(cfg.Narrator.APIKey, cfg.Narrator.Model, int(cfg.Narrator.MaxTokens), logger)
		if err != nil {
			return fmt.Errorf("creating openai narrator: %w", err)
		}
		narrator = oa
	} else {
		slog.Warn("narrator.api_key not set, tool results use fallback phrasing")
	}

	routerOpts := []router.Option{
		router.WithTimeout(cfg.Router.Timeout),
		router.WithRetry(router.RetryPolicy{
			MaxAttempts: cfg.Router.MaxAttempts,
			BaseDelay:   cfg.Router.BaseBackoff,
			MaxDelay:    cfg.Router.MaxBackoff,
		}),
		router.WithMaxResponseBytes(cfg.Router.MaxResponseBytes),
		router.WithMetrics(m),
	}
	if len(cfg.Router.ExtraAllowedDomains) > 0 {
		routerOpts = append(routerOpts, router.WithExtraAllowedDomains(cfg.Router.ExtraAllowedDomains...))
	}

	sessions := session.NewStore(cfg.Session.IdleTTL)
	go sessions.RunSweeper(ctx, cfg.Session.SweepInterval)

	orch := session.NewOrchestrator(session.Config{
		Model:            cfg.LLM.Model,
		BillingUsageType: cfg.LLM.BillingUsageType,
		Temperature:      cfg.LLM.Temperature,
		MaxReplyWords:    cfg.Session.MaxReplyWords,
		FallbackReply:    cfg.Session.FallbackReply,
		RouterOptions:    routerOpts,
		BillingTimeout:   cfg.Database.QueryTimeout,
	}, sessions, catalogService, model, ledger, narrator, collector, logger)
	orch.SetMetrics(m)

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	go limiter.RunJanitor(ctx, cfg.RateLimit.Window)

	authService := auth.NewService(tenant.NewAuthAdapter(tenantStore), cfg.Admin.Key)
	if cfg.Admin.Key == "" {
		slog.Warn("admin.key not set, admin API is disabled")
	}

	handler := api.NewRouter(api.RouterDeps{
		Tenants:        tenantStore,
		Catalog:        catalogService,
		Ledger:         ledger,
		Pricing:        pricing,
		Usage:          meterStore,
		Sessions:       orch,
		Auth:           authService,
		Limiter:        limiter,
		Metrics:        m,
		DB:             pool,
		Webhooks:       guard,
		WebhookSecret:  cfg.Webhook.Secret,
		WebhookTTL:     cfg.Webhook.TTL,
		PerUserRate:    cfg.RateLimit.PerUser,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		Sentry:         cfg.Sentry.DSN != "",
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	err = srv.Shutdown(shutdownCtx)

	// Stop the sweeper and janitor, let background metering finish, then
	// drain the collector.
	cancel()
	orch.Wait()
	collector.Stop()

	return err
}

// newWebhookGuard returns a Redis-backed guard when url is set, so dedupe
// survives restarts and spans replicas. Otherwise dedupe is per process.
func newWebhookGuard(ctx context.Context, url string) (idempotency.Guard, func(), error) {
	if url == "" {
		slog.Warn("redis.url not set, purchase webhook dedupe is in-memory only")
		return idempotency.NewMemoryGuard(), func() {}, nil
	}
	g, err := idempotency.NewRedisGuard(ctx, url, "voxdesk:webhook:")
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to redis: %w", err)
	}
	slog.Info("connected to redis")
	return g, func() { _ = g.Close() }, nil
}
