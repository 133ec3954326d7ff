// relayd control-plane server — serves the admin and worker HTTP APIs,
// schedules sessions onto the worker fleet, and runs the forwarding
// pipeline with its sync and retention loops.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/relaymesh/relayd/pkg/api"
	"github.com/relaymesh/relayd/pkg/cleanup"
	"github.com/relaymesh/relayd/pkg/config"
	"github.com/relaymesh/relayd/pkg/events"
	"github.com/relaymesh/relayd/pkg/pipeline"
	"github.com/relaymesh/relayd/pkg/platform"
	"github.com/relaymesh/relayd/pkg/quota"
	"github.com/relaymesh/relayd/pkg/registry"
	"github.com/relaymesh/relayd/pkg/rules"
	"github.com/relaymesh/relayd/pkg/scheduler"
	"github.com/relaymesh/relayd/pkg/services"
	"github.com/relaymesh/relayd/pkg/store"
	"github.com/relaymesh/relayd/pkg/store/boltstore"
	"github.com/relaymesh/relayd/pkg/store/pgstore"
	"github.com/relaymesh/relayd/pkg/syncer"
	"github.com/relaymesh/relayd/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func openBackend(ctx context.Context, cfg *config.StoreConfig) (store.Backend, error) {
	switch cfg.Backend {
	case "", "bolt":
		return boltstore.Open(cfg.Path)
	case "postgres":
		return pgstore.OpenDSN(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func main() {
	configPath := flag.String("config",
		getEnv("RELAYD_CONFIG", "config.yaml"),
		"Path to the configuration file")
	flag.Parse()

	// Secrets referenced by ${VAR} expansion in the config file can come
	// from a local .env during development.
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file, continuing with existing environment", "error", err)
	}

	slog.Info("Starting relayd", "version", version.Full(), "config", *configPath)

	ctx := context.Background()

	cfg, err := config.Initialize(*configPath)
	if err != nil {
		slog.Error("Failed to initialize configuration", "error", err)
		os.Exit(1)
	}

	backend, err := openBackend(ctx, &cfg.Store)
	if err != nil {
		slog.Error("Failed to open store backend", "backend", cfg.Store.Backend, "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			slog.Error("Error closing store backend", "error", err)
		}
	}()
	slog.Info("Store opened", "backend", cfg.Store.Backend)

	// Live event stream: hub fans out to websocket subscribers, publisher
	// adapts the notifier contracts onto it.
	hub := events.NewHub(time.Duration(cfg.Server.WriteTimeout))
	publisher := events.NewPublisher(hub)

	quotas := quota.NewManager(backend, cfg.QuotaLimits(), publisher)
	if err := quotas.Reconcile(ctx); err != nil {
		slog.Error("Quota reconciliation failed", "error", err)
		os.Exit(1)
	}

	engine := rules.NewEngine(backend)

	regCfg := registry.DefaultConfig()
	if d := time.Duration(cfg.Scheduler.LivenessWindowMS); d > 0 {
		regCfg.LivenessWindow = d
	}
	if d := cfg.Scheduler.LivenessScanInterval(); d > 0 {
		regCfg.ScanInterval = d
	}
	reg := registry.New(backend, regCfg, nil)
	reg.SetNotifier(publisher)

	schedCfg := scheduler.DefaultConfig()
	if d := time.Duration(cfg.Scheduler.QueueMaxAgeMS); d > 0 {
		schedCfg.QueueMaxAge = d
	}
	if d := time.Duration(cfg.Scheduler.ScalingCooldownMS); d > 0 {
		schedCfg.ScalingCooldown = d
	}
	sched := scheduler.New(backend, quotas, schedCfg, publisher)
	reg.SetHook(sched)

	// Platform leg: one client per worker, paced; controls are pushed by
	// the dispatcher and polled by workers as fallback.
	pool := platform.NewPool(backend, cfg.Platform.CallsPerSecond)
	dispatcher := platform.NewControlDispatcher(backend, pool,
		time.Duration(cfg.Platform.ControlPushInterval))

	pipeCfg := pipeline.DefaultConfig()
	if cfg.Pipeline.QueueCapacity > 0 {
		pipeCfg.QueueCapacity = cfg.Pipeline.QueueCapacity
	}
	if cfg.Pipeline.DefaultRetryMax > 0 {
		pipeCfg.RetryMax = cfg.Pipeline.DefaultRetryMax
	}
	if d := time.Duration(cfg.Pipeline.RetryBase); d > 0 {
		pipeCfg.RetryBase = d
	}
	if d := time.Duration(cfg.Pipeline.RetryCap); d > 0 {
		pipeCfg.RetryCap = d
	}
	pipe := pipeline.New(backend, engine, quotas, pool, pipeCfg, sched)

	syncCfg := syncer.DefaultConfig()
	if d := time.Duration(cfg.Sync.PollInterval); d > 0 {
		syncCfg.PollInterval = d
	}
	if d := time.Duration(cfg.Sync.ApprovalMaxAge); d > 0 {
		syncCfg.ApprovalMaxAge = d
	}
	sync := syncer.New(backend, pool, pipe, syncCfg)
	pipe.SetSyncer(sync)

	retention := cleanup.NewService(&cfg.Retention, backend)

	reg.Start(ctx)
	defer reg.Stop()
	sched.Start(ctx)
	defer sched.Stop()
	pipe.Start(ctx)
	defer pipe.Stop()
	sync.Start(ctx)
	defer sync.Stop()
	dispatcher.Start(ctx)
	defer dispatcher.Stop()
	retention.Start(ctx)
	defer retention.Stop()
	slog.Info("Background loops started")

	server := api.NewServer(api.Deps{
		Users:    services.NewUserService(backend, quotas, sched, engine, cfg.Quota.DefaultPlan),
		Sessions: services.NewSessionService(backend, sched, quotas),
		Workers:  services.NewWorkerService(backend, reg),
		Chats:    services.NewChatService(backend),
		Mappings: services.NewMappingService(backend, quotas, engine),
		Rules:    services.NewRegexRuleService(backend, engine),
		Pending:  services.NewPendingMessageService(backend),
		Stats:    services.NewStatsService(backend),
		Logs:     services.NewLogService(backend),

		Registry:  reg,
		Scheduler: sched,
		Pipeline:  pipe,
		Hub:       hub,

		AdminToken:       cfg.Server.AdminToken,
		AllowedWSOrigins: cfg.Server.AllowedWSOrigins,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		slog.Info("Shutdown signal received", "signal", sig)
	case err := <-errCh:
		slog.Error("HTTP server error triggered shutdown", "error", err)
	}

	// Stop intake first so the background loops drain real work, then let
	// the deferred Stops unwind in reverse start order.
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete")
}
