package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/novacoinotc/p2p-merchant-engine/internal/api"
	"github.com/novacoinotc/p2p-merchant-engine/internal/db"
	"github.com/novacoinotc/p2p-merchant-engine/internal/exchange"
	"github.com/novacoinotc/p2p-merchant-engine/internal/orders"
	"github.com/novacoinotc/p2p-merchant-engine/internal/pricing"
	"github.com/novacoinotc/p2p-merchant-engine/internal/verify"
	"github.com/novacoinotc/p2p-merchant-engine/internal/webhook"
)

// Exit codes: 1 config, 2 database, 3 exchange unreachable.
const (
	exitConfig   = 1
	exitDatabase = 2
	exitExchange = 3
)

func main() {
	log.Println("Starting P2P Merchant Engine (positioning + payment verification)...")

	// ─── Required Environment Variables ─────────────────────────────────
	// All credentials MUST come from environment variables. No fallback
	// defaults for security-sensitive values. Use a .env file for local
	// development: cp .env.example .env && edit .env
	// ────────────────────────────────────────────────────────────────────

	dbUrl := requireEnv("DATABASE_URL")
	apiKey := requireEnv("EXCHANGE_API_KEY")
	apiSecret := requireEnv("EXCHANGE_API_SECRET")

	webhookCfg := webhook.Config{
		BearerToken: os.Getenv("WEBHOOK_BEARER_TOKEN"),
		HMACSecret:  os.Getenv("WEBHOOK_HMAC_SECRET"),
	}
	if ips := os.Getenv("WEBHOOK_ALLOWED_IPS"); ips != "" {
		webhookCfg.AllowedIPs = strings.Split(ips, ",")
	}
	if webhookCfg.BearerToken == "" && webhookCfg.HMACSecret == "" && len(webhookCfg.AllowedIPs) == 0 {
		log.Println("FATAL: no webhook authentication configured. Set at least one of " +
			"WEBHOOK_BEARER_TOKEN, WEBHOOK_HMAC_SECRET, WEBHOOK_ALLOWED_IPS.")
		os.Exit(exitConfig)
	}
	if raw := os.Getenv("DEFAULT_MERCHANT_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			log.Printf("FATAL: DEFAULT_MERCHANT_ID must be an integer, got %q", raw)
			os.Exit(exitConfig)
		}
		webhookCfg.DefaultMerchantID = id
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := db.Connect(dbUrl)
	if err != nil {
		log.Printf("FATAL: Failed to connect to PostgreSQL: %v", err)
		os.Exit(exitDatabase)
	}
	defer store.Close()
	if err := store.InitSchema(); err != nil {
		log.Printf("FATAL: DB schema init failed: %v", err)
		os.Exit(exitDatabase)
	}

	venue := exchange.NewClient(exchange.Config{
		Host:      getEnvOrDefault("EXCHANGE_HOST", "https://api.venue.example"),
		APIKey:    apiKey,
		APISecret: apiSecret,
	})
	// Ping also caches the server-time offset used for request signing.
	if err := venue.Ping(ctx); err != nil {
		log.Printf("FATAL: Exchange unreachable: %v", err)
		os.Exit(exitExchange)
	}

	wsHub := api.NewHub()
	go wsHub.Run()

	verifier := verify.NewVerifier(store, func(e verify.Event) {
		wsHub.BroadcastJSON(e)
	})

	// One positioning loop and one order poller per active merchant.
	merchants, err := store.ListActiveMerchants(ctx)
	if err != nil {
		log.Printf("FATAL: Failed to list merchants: %v", err)
		os.Exit(exitDatabase)
	}
	managers := make(map[int64]*pricing.Manager, len(merchants))
	for _, merchant := range merchants {
		mc := db.MerchantContext{MerchantID: merchant.ID}
		if _, err := store.EnsureBotConfig(ctx, mc); err != nil {
			log.Printf("Warning: bot config init for merchant %d failed: %v", merchant.ID, err)
		}

		manager := pricing.NewManager(merchant, venue, store, func(e pricing.PriceEvent) {
			wsHub.BroadcastJSON(e)
		})
		managers[merchant.ID] = manager
		go manager.Run(ctx)

		poller := orders.NewOrchestrator(merchant, venue, store, verifier)
		go poller.Run(ctx)
	}
	log.Printf("Engines started for %d active merchant(s)", len(merchants))

	ingest := webhook.NewIngest(ctx, webhookCfg, store, verifier)
	router := api.SetupRouter(store, verifier, venue, managers, wsHub, ingest)

	port := getEnvOrDefault("PORT", "8080")
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	go func() {
		log.Printf("Engine running on :%s", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutdown signal received, draining...")

	// In-flight webhook deliveries get a short drain so the bank sees
	// its 200 instead of re-delivering after restart.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown: %v", err)
	}
	log.Println("Engine stopped.")
}

// requireEnv reads a required environment variable and exits if it is not set.
// This prevents the binary from starting with missing critical configuration.
func requireEnv(key string) string {
	val := os.Getenv(key)
	if val == "" {
		log.Printf("FATAL: Required environment variable %s is not set. "+
			"Copy .env.example to .env and fill in your values: cp .env.example .env", key)
		os.Exit(exitConfig)
	}
	return val
}

// getEnvOrDefault returns the env var value or a safe default for non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}
