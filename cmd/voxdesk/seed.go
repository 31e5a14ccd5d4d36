package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/alecgard/voxdesk/internal/auth"
	"github.com/alecgard/voxdesk/internal/catalog"
	"github.com/alecgard/voxdesk/internal/config"
	"github.com/alecgard/voxdesk/internal/credits"
	"github.com/alecgard/voxdesk/internal/tenant"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed a demo tenant, tool and pricing table",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

var demoPricing = []credits.Pricing{
	{ServiceType: credits.UsageToolCall, CostPerUnit: decimal.RequireFromString("1"), UnitDescription: "per tool call"},
	{ServiceType: credits.UsageVoiceCall, CostPerUnit: decimal.RequireFromString("10"), UnitDescription: "per minute"},
	{ServiceType: credits.UsageSpeechToText, CostPerUnit: decimal.RequireFromString("5"), UnitDescription: "per minute"},
	{ServiceType: credits.UsageSpeechToTextChars, CostPerUnit: decimal.RequireFromString("0.01"), UnitDescription: "per character"},
	{ServiceType: credits.UsageTextToSpeech, CostPerUnit: decimal.RequireFromString("8"), UnitDescription: "per minute"},
	{ServiceType: credits.UsageScribe, CostPerUnit: decimal.RequireFromString("6"), UnitDescription: "per minute"},
	{ServiceType: credits.UsageBundleCreation, CostPerUnit: decimal.RequireFromString("2"), UnitDescription: "per bundle"},
	{ServiceType: credits.UsageDocumentUpload, CostPerUnit: decimal.RequireFromString("1"), UnitDescription: "per document"},
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	tenantStore := tenant.NewStore(pool)
	catalogService := catalog.NewService(catalog.NewStore(pool))
	pricing := credits.NewPricingStore(pool)

	// Pricing upserts are safe to repeat.
	for _, p := range demoPricing {
		p.IsActive = true
		if err := pricing.Upsert(ctx, p); err != nil {
			return fmt.Errorf("saving pricing %q: %w", p.ServiceType, err)
		}
	}
	slog.Info("pricing seeded", "rows", len(demoPricing))

	// Check if seed has already run.
	existing, _, err := tenantStore.List(ctx, tenant.ListParams{Limit: 1})
	if err != nil {
		return fmt.Errorf("checking existing tenants: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("demo tenant already exists, skipping seed")
		return nil
	}

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}

	t, err := tenantStore.Create(ctx, tenant.CreateTenantInput{
		Name:         "Demo Clinic",
		APIKeyHash:   apiKey.Hash,
		KeyPrefix:    apiKey.Prefix,
		SystemPrompt: "You are the receptionist of a small clinic. Help callers check appointment availability.",
		LanguageCode: "en",
		RateLimit:    120,
	})
	if err != nil {
		return fmt.Errorf("creating demo tenant: %w", err)
	}
	slog.Info("created demo tenant", "id", t.ID, "name", t.Name)

	conn, err := catalogService.CreateConnection(ctx, t.ID, catalog.CreateConnectionInput{
		Name:    "Demo scheduling API",
		BaseURL: "https://httpbin.org",
		Auth:    catalog.AuthConfig{Type: catalog.AuthNone},
	})
	if err != nil {
		return fmt.Errorf("creating demo connection: %w", err)
	}

	tool, err := catalogService.CreateTool(ctx, t.ID, catalog.CreateToolInput{
		APIConnectionID:  conn.ID,
		Name:             "check_availability",
		Description:      "Check which appointment slots are free on a given day.",
		Method:           "GET",
		EndpointTemplate: "/anything/availability",
		Args: []catalog.ToolArg{{
			Name:        "day",
			Type:        catalog.ArgString,
			Location:    catalog.LocationQuery,
			Required:    true,
			Description: "Day to check, e.g. monday",
			Example:     "monday",
		}},
	})
	if err != nil {
		return fmt.Errorf("creating demo tool: %w", err)
	}
	slog.Info("created demo tool", "id", tool.ID, "name", tool.Name)

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Tenant:    %s (%s)\n", t.Name, t.ID)
	fmt.Printf("Tool:      %s\n", tool.Name)
	fmt.Printf("API Key:   %s\n", plaintext)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' http://localhost:8080/api/v1/tools/schema\n", plaintext)
	fmt.Printf("  curl -H 'Authorization: Bearer %s' -X POST -d '{\"user_id\":\"demo-user\",\"arguments\":{\"day\":\"monday\"}}' http://localhost:8080/api/v1/tools/check_availability/execute\n", plaintext)

	return nil
}
