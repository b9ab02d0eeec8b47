// Command gateway runs the LLM security gateway: an OpenAI-compatible proxy
// that authenticates API keys, enforces tenant policy and credits, scans
// prompts for injection, secrets, and PII, and records every decision.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/securetag/ai-gateway/internal/audit"
	"github.com/securetag/ai-gateway/internal/auth"
	"github.com/securetag/ai-gateway/internal/config"
	"github.com/securetag/ai-gateway/internal/encryption"
	"github.com/securetag/ai-gateway/internal/guard"
	"github.com/securetag/ai-gateway/internal/httpapi"
	"github.com/securetag/ai-gateway/internal/ledger"
	"github.com/securetag/ai-gateway/internal/orchestrator"
	"github.com/securetag/ai-gateway/internal/pii"
	"github.com/securetag/ai-gateway/internal/policy"
	"github.com/securetag/ai-gateway/internal/ratelimit"
	"github.com/securetag/ai-gateway/internal/server"
	"github.com/securetag/ai-gateway/internal/storage"
	"github.com/securetag/ai-gateway/internal/telemetry"
	"github.com/securetag/ai-gateway/internal/tokens"
	"github.com/securetag/ai-gateway/internal/upstream"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.Log.Level),
	}))
	slog.SetDefault(logger)

	shutdownTracer, err := telemetry.InitTracer("ai-gateway", logger)
	if err != nil {
		logger.Error("failed to initialize tracer", slog.String("error", err.Error()))
		os.Exit(1)
	}

	store, err := storage.Open(cfg.Storage.SQLitePath)
	if err != nil {
		logger.Error("failed to open storage", slog.String("error", err.Error()))
		os.Exit(1)
	}
	defer store.Close()

	if cfg.Server.DevSeed {
		if err := devSeed(context.Background(), store, logger); err != nil {
			logger.Error("dev seed failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	cipher, err := encryption.New(cfg.Security.SystemSecret)
	if err != nil {
		logger.Error("failed to initialize encryption", slog.String("error", err.Error()))
		os.Exit(1)
	}

	health := map[string]httpapi.Pinger{"database": store}

	var counter ratelimit.Counter = ratelimit.NewMemoryCounter()
	if cfg.Redis.URL != "" {
		redisCounter, err := ratelimit.NewRedisCounter(cfg.Redis.URL)
		if err != nil {
			logger.Error("failed to connect to redis", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer redisCounter.Close()
		counter = redisCounter
		health["redis"] = redisCounter
		logger.Info("rate limiting backed by redis")
	} else {
		logger.Info("rate limiting backed by in-process counter")
	}

	piiScanner := pii.NewScanner(
		[]pii.Recognizer{pii.NewPatternRecognizer()},
		pii.DefaultConfidenceThreshold,
		logger,
	)
	contentGuard := guard.New(
		guard.NewInjectionScanner(guard.DefaultInjectionPatterns(), cfg.Pipeline.InjectionThreshold),
		guard.NewSecretScanner(),
		piiScanner,
		logger,
	)

	gatewayClient := upstream.NewClient(cfg.Upstream.APIKey,
		upstream.WithBaseURL(cfg.Upstream.BaseURL),
		upstream.WithTimeout(cfg.Upstream.Timeout),
	)

	recorder := audit.NewRecorder(audit.NewStore(store.DB()), audit.DefaultQueueSize, logger)

	// Shared between the orchestrator and the admin invalidation endpoint so
	// cache drops take effect on the serving path.
	policies := policy.NewProvider(store, cipher, cfg.Pipeline.PolicyCacheTTL, logger)

	orch := orchestrator.New(
		policies,
		ratelimit.NewLimiter(counter, cfg.RateLimit.DefaultRPMPerKey, cfg.RateLimit.DefaultRPMPerTenant),
		ledger.New(store.DB(), logger),
		contentGuard,
		piiScanner,
		gatewayClient,
		recorder,
		cipher,
		tokens.NewEstimator(),
		orchestrator.Config{
			CreditCostProxy:      cfg.Credits.CostProxy,
			CreditCostBlocked:    cfg.Credits.CostBlocked,
			InjectionThreshold:   cfg.Pipeline.InjectionThreshold,
			MaxConcurrentStreams: cfg.Pipeline.MaxConcurrentStreams,
			StreamAcquireTimeout: cfg.Pipeline.StreamAcquireTimeout,
		},
		logger,
	)

	handler := httpapi.New(auth.New(store), orch, gatewayClient, policies, health, cfg.Server.AdminToken, logger)

	srv := server.New(cfg.Server.Port, logger)
	handler.Mount(srv.Router)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- srv.Start()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-serverErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", slog.String("error", err.Error()))
	}
	// Close after the listener drains so in-flight requests can still enqueue
	// their decision records.
	recorder.Close()
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
	}

	logger.Info("gateway shutdown complete")
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// devSeed provisions a demo tenant and API key for local development. The raw
// key is logged because it exists nowhere else.
func devSeed(ctx context.Context, store *storage.Store, logger *slog.Logger) error {
	const (
		tenantID = "tenant-demo"
		rawKey   = "sk-gw-demo-key"
	)

	if err := store.CreateTenant(ctx, storage.TenantParams{
		ID:             tenantID,
		Name:           "Demo Tenant",
		GatewayEnabled: true,
		CreditsBalance: 100,
	}); err != nil {
		// Already seeded from a previous run.
		logger.Debug("dev seed tenant exists", slog.String("error", err.Error()))
		return nil
	}

	if err := store.CreateAPIKey(ctx, storage.APIKeyParams{
		TenantID:       tenantID,
		KeyHash:        auth.HashAPIKey(rawKey),
		Active:         true,
		GatewayEnabled: true,
	}); err != nil {
		return err
	}

	logger.Info("dev seed complete",
		slog.String("tenant_id", tenantID),
		slog.String("api_key", rawKey))
	return nil
}
