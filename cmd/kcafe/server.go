package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/goodtune/kcafe/internal/api"
	"github.com/goodtune/kcafe/internal/audit"
	"github.com/goodtune/kcafe/internal/billing"
	"github.com/goodtune/kcafe/internal/broadcaster"
	"github.com/goodtune/kcafe/internal/clock"
	"github.com/goodtune/kcafe/internal/config"
	"github.com/goodtune/kcafe/internal/housekeeping"
	"github.com/goodtune/kcafe/internal/ledger"
	"github.com/goodtune/kcafe/internal/metrics"
	"github.com/goodtune/kcafe/internal/pricing"
	"github.com/goodtune/kcafe/internal/realtime"
	"github.com/goodtune/kcafe/internal/session"
	"github.com/goodtune/kcafe/internal/storage"
	"github.com/goodtune/kcafe/internal/storage/postgres"
	"github.com/goodtune/kcafe/internal/storage/redis"
	"github.com/goodtune/kcafe/internal/systemd"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start KCafe server",
	Long:  `Start the KCafe server with the session API, PC and admin websockets, the time-left broadcaster, and metrics endpoints.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting KCafe")

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return fmt.Errorf("failed to get systemd listeners: %w", err)
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().Str("type", cfg.Storage.Type).Msg("Storage initialized")

	clk := clock.RealClock{}

	// Pricing, ledger and billing
	rates := pricing.NewResolver(store, pricing.Config{
		GroupCacheSize: cfg.Pricing.GroupCacheSize,
		GroupCacheTTL:  config.Duration(cfg.Pricing.GroupCacheTTL),
	}, logger)
	estimator := ledger.NewEstimator(rates, ledger.New(store))
	engine := billing.NewEngine(store, rates, clk, logger)

	// Realtime channels
	hub := realtime.NewHub(logger)
	transport := realtime.NewTransport(hub, realtime.Config{
		WriteTimeout: config.Duration(cfg.Realtime.WriteTimeout),
		PingInterval: config.Duration(cfg.Realtime.PingInterval),
	}, logger)

	recorder := audit.NewRecorder(store.Audit(), clk, logger)
	sessions := session.NewManager(store, engine, hub, recorder, clk, logger)

	// Initialize Housekeeping Scheduler
	purger, err := housekeeping.NewScheduler(store.Audit(), clk, housekeeping.Config{
		RetentionDays: cfg.Audit.RetentionDays,
		Schedule:      cfg.Audit.PurgeSchedule,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize Housekeeping Scheduler: %w", err)
	}
	if err := purger.Start(); err != nil {
		return fmt.Errorf("failed to start Housekeeping Scheduler: %w", err)
	}

	// Initialize Broadcaster
	interval := config.Duration(cfg.Broadcaster.Interval)
	timeLeft := broadcaster.New(store.PCs(), estimator, hub, clk, interval, logger)
	timeLeft.Start()

	logger.Info().Dur("interval", interval).Msg("Broadcaster started")

	// Initialize API Server
	apiAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.APIPort)
	apiServer := api.NewServer(apiAddr, api.Deps{
		Store:     store,
		Sessions:  sessions,
		Rates:     rates,
		Estimator: estimator,
		Hub:       hub,
		Transport: transport,
		Audit:     recorder,
		Clock:     clk,
	}, logger)

	// Use systemd socket-activated listener if available
	if sdListeners.Activated && sdListeners.API != nil {
		apiServer.SetListener(sdListeners.API)
	}

	if err := apiServer.Start(); err != nil {
		return fmt.Errorf("failed to start API Server: %w", err)
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Server.MetricsPort > 0 || sdListeners.Metrics != nil {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.MetricsPort)
		metricsServer = metrics.NewServer(metricsAddr, logger)

		if sdListeners.Activated && sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}

		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start Metrics Server: %w", err)
		}
	}

	// Log startup complete
	logger.Info().Msg("KCafe startup complete")
	logger.Info().Msgf("API: http://%s", apiAddr)
	if metricsServer != nil {
		logger.Info().Msgf("Metrics: http://%s:%d/metrics", cfg.Server.BindAddress, cfg.Server.MetricsPort)
	}

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	} else {
		logger.Debug().Msg("Sent systemd ready notification")
	}
	go systemd.RunWatchdog(ctx, logger)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	sig := <-sigChan
	logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")

	// Notify systemd that we're stopping
	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}
	cancel()

	// Stop producers before the channels they write to
	timeLeft.Stop()
	purger.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.Duration(cfg.Server.ShutdownTimeout))
	defer shutdownCancel()

	if err := apiServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Error stopping API Server")
	}

	hub.Close()

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping Metrics Server")
		}
	}

	logger.Info().Msg("KCafe stopped")

	return nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	storageType := cfg.Type
	if storageType == "" {
		storageType = "redis"
	}

	switch storageType {
	case "redis":
		return redis.Open(cfg.Redis)
	case "postgres":
		return postgres.Open(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s (must be redis or postgres)", storageType)
	}
}
