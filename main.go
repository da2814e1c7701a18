package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"investment-ledger/config"
	"investment-ledger/internal/admin"
	"investment-ledger/internal/api"
	"investment-ledger/internal/auth"
	"investment-ledger/internal/balance"
	"investment-ledger/internal/cache"
	"investment-ledger/internal/database"
	"investment-ledger/internal/events"
	"investment-ledger/internal/logging"
	"investment-ledger/internal/metrics"
	"investment-ledger/internal/notification"
	"investment-ledger/internal/payments"
	"investment-ledger/internal/referrals"
	"investment-ledger/internal/reports"
	"investment-ledger/internal/vault"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// job is a background loop started with the server and stopped on shutdown.
type job interface {
	Start() error
	Stop() error
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.Init(&logging.Config{
		Level:      cfg.LoggingConfig.Level,
		Output:     cfg.LoggingConfig.Output,
		JSONFormat: cfg.LoggingConfig.JSONFormat,
		Component:  "investment-ledger",
	})
	logger.Info().Msg("structured logging initialized")

	ctx := context.Background()

	// Secrets from Vault override whatever the file and env provided
	vaultClient, err := vault.NewClient(cfg.VaultConfig)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create vault client")
	}
	if vaultClient.IsEnabled() {
		secrets, err := vaultClient.LoadSecrets(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to load secrets from vault")
		}
		vault.Apply(cfg, secrets)
		logger.Info().Msg("secrets loaded from vault")
	}

	// Initialize database
	store, closeStore, err := database.Open(ctx, cfg.DatabaseConfig, true, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open ledger store")
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ledgerMetrics := metrics.New(registry)

	eventBus := events.NewEventBus()

	// Initialize operator alerts
	alerts := notification.NewManager(notification.Severity(cfg.AlertsConfig.MinSeverity), logger)
	alerts.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
		BotToken: cfg.AlertsConfig.TelegramBotToken,
		ChatID:   cfg.AlertsConfig.TelegramChatID,
		Enabled:  true,
	}))
	alerts.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
		WebhookURL: cfg.AlertsConfig.DiscordWebhookURL,
		Enabled:    true,
	}))
	if alerts.Enabled() {
		alerts.Attach(eventBus)
		logger.Info().Msg("operator alerts enabled")
	}

	// Redis is optional: without it balances are read from the store and
	// gateway dedupe relies on the ledger's idempotent transitions alone
	projectorOpts := []balance.Option{
		balance.WithEventBus(eventBus),
		balance.WithMetrics(ledgerMetrics),
		balance.WithVerifyOnRead(cfg.LedgerConfig.VerifyOnRead),
	}
	var (
		cacheService *cache.CacheService
		idempotency  *cache.IdempotencyGuard
	)
	if cfg.RedisConfig.Enabled {
		cacheService, err = cache.NewCacheService(cfg.RedisConfig, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to create cache service")
		}
		defer cacheService.Close()
		projectorOpts = append(projectorOpts, balance.WithCache(cache.NewBalanceCache(cacheService, cfg.RedisConfig.BalanceTTL, logger)))
		idempotency = cache.NewIdempotencyGuard(cacheService, cfg.RedisConfig.IdempotencyTTL, logger)
	}

	projector := balance.NewProjector(store, logger, projectorOpts...)
	tracker := payments.NewTracker(projector, payments.PolicyFromConfig(cfg.LedgerConfig), logger,
		payments.WithEventBus(eventBus),
		payments.WithMetrics(ledgerMetrics),
	)
	adminService := admin.NewService(projector, tracker, eventBus, ledgerMetrics, logger)

	referralService := referrals.NewService(projector, referrals.ProgramFromConfig(cfg.ReferralConfig), eventBus, ledgerMetrics, logger)
	referralService.Attach(tracker)

	reconciler := balance.NewReconciler(store, eventBus, ledgerMetrics, balance.ReconcilerConfig{
		Interval:      cfg.JobsConfig.ReconcileInterval,
		MaxConcurrent: cfg.JobsConfig.ReconcileConcurrency,
	}, logger)

	jobs := []job{
		reconciler,
		referrals.NewSweeper(referralService, referrals.SweeperConfig{
			Interval: cfg.JobsConfig.BonusSweepInterval,
		}, logger),
	}
	if cfg.GatewayConfig.StatusURL != "" {
		jobs = append(jobs, payments.NewPoller(tracker,
			payments.NewHTTPStatusChecker(cfg.GatewayConfig.StatusURL, cfg.GatewayConfig.PollTimeout),
			payments.PollerConfig{
				Interval:     cfg.JobsConfig.DepositPollInterval,
				CallTimeout:  cfg.GatewayConfig.PollTimeout,
				PendingGrace: cfg.GatewayConfig.PendingGrace,
			}, logger))
	} else {
		logger.Info().Msg("gateway status URL not set, pending deposit polling disabled")
	}

	deps := api.Dependencies{
		Store:       store,
		Projector:   projector,
		Tracker:     tracker,
		Admin:       adminService,
		Referrals:   referralService,
		Reports:     reports.NewReporter(store, logger),
		Reconciler:  reconciler,
		Bus:         eventBus,
		Idempotency: idempotency,
		Cache:       cacheService,
		Gatherer:    registry,
	}
	if cfg.AuthConfig.Enabled {
		deps.JWT = auth.NewJWTManager(cfg.AuthConfig.JWTSecret, cfg.AuthConfig.Issuer, cfg.AuthConfig.AccessTokenDuration)
	} else {
		logger.Warn().Msg("authentication disabled, every request acts as an admin")
	}
	if cfg.GatewayConfig.TokenHash != "" {
		deps.Gateway = auth.NewGatewayGuard(cfg.GatewayConfig.TokenHash)
	} else {
		logger.Warn().Msg("gateway token hash not set, gateway callbacks disabled")
	}

	server := api.NewServer(api.ServerConfig{
		Port:            cfg.ServerConfig.Port,
		Host:            cfg.ServerConfig.Host,
		ProductionMode:  cfg.AuthConfig.Enabled,
		AllowedOrigins:  cfg.ServerConfig.AllowedOriginList(),
		ReadTimeout:     time.Duration(cfg.ServerConfig.ReadTimeout) * time.Second,
		WriteTimeout:    time.Duration(cfg.ServerConfig.WriteTimeout) * time.Second,
		ShutdownTimeout: time.Duration(cfg.ServerConfig.ShutdownTimeout) * time.Second,
	}, deps, logger)

	for _, j := range jobs {
		if err := j.Start(); err != nil {
			logger.Fatal().Err(err).Msg("failed to start background job")
		}
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serverErr:
		if err != nil {
			logger.Error().Err(err).Msg("HTTP server stopped")
		}
	}

	shutdown(server, jobs, time.Duration(cfg.ServerConfig.ShutdownTimeout)*time.Second, logger)
}

// shutdown stops the HTTP server first so no new money movement starts, then
// the background jobs.
func shutdown(server *api.Server, jobs []job, timeout time.Duration, logger zerolog.Logger) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("error shutting down HTTP server")
	}
	for _, j := range jobs {
		if err := j.Stop(); err != nil {
			logger.Warn().Err(err).Msg("error stopping background job")
		}
	}
	logger.Info().Msg("shutdown complete")
}
