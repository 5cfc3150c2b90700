// Harrier - Scam campaign intelligence from raw threat reports.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/opensource-finance/harrier/internal/alert"
	"github.com/opensource-finance/harrier/internal/api"
	"github.com/opensource-finance/harrier/internal/bus"
	"github.com/opensource-finance/harrier/internal/cache"
	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/embed"
	"github.com/opensource-finance/harrier/internal/intel"
	"github.com/opensource-finance/harrier/internal/metrics"
	"github.com/opensource-finance/harrier/internal/repository"
	"github.com/opensource-finance/harrier/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// Initialize structured logger
	logLevel := slog.LevelInfo
	if os.Getenv("HARRIER_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Log startup
	slog.Info("starting harrier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Load configuration
	cfg := domain.DefaultConfig()

	// Check for Pro tier via environment
	if os.Getenv("HARRIER_TIER") == "pro" {
		cfg = domain.ProConfig()
		slog.Info("running in Pro tier mode")
	}
	applyEnvOverrides(cfg)

	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"embedder", cfg.Embedding.Provider,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Initialize Repository
	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	// Initialize Cache
	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Initialize Embedder
	embedder, err := embed.New(cfg.Embedding)
	if err != nil {
		slog.Error("failed to initialize embedder", "error", err)
		os.Exit(1)
	}
	slog.Info("embedder initialized", "provider", cfg.Embedding.Provider)

	// Initialize metrics registry
	m := metrics.New()

	// Initialize intelligence service. Loads the persisted cluster
	// generation so assessments see context from the first request.
	svc, err := intel.New(ctx, repo, cacheImpl, busImpl, embedder, cfg.Clustering, m)
	if err != nil {
		slog.Error("failed to initialize intel service", "error", err)
		os.Exit(1)
	}
	info := svc.SnapshotInfo()
	slog.Info("intel service initialized",
		"clusters", info.ClusterCount,
		"active", info.ActiveCount,
	)

	// Initialize alert engine
	var alertEngine *alert.Engine
	if cfg.Alerts.Enabled {
		alertEngine, err = alert.NewEngine(cfg.Alerts)
		if err != nil {
			slog.Error("failed to initialize alert engine", "error", err)
			os.Exit(1)
		}
		slog.Info("alert engine initialized", "rules", alertEngine.RulesCount())

		if cfg.Alerts.WatchRules && cfg.Alerts.RulesPath != "" {
			if err := alertEngine.Watch(ctx, cfg.Alerts.RulesPath); err != nil {
				slog.Error("failed to watch alert rule file", "error", err)
			}
		}
	}

	// Initialize worker. Always runs: it owns the refresh trigger and
	// alert evaluation regardless of tier.
	pipelineWorker := worker.NewWorker(busImpl, cacheImpl, svc, alertEngine, m, cfg.Clustering.RefreshThreshold)
	if err := pipelineWorker.Start(); err != nil {
		slog.Error("failed to start worker", "error", err)
		os.Exit(1)
	}

	// Initialize Server
	srv := api.NewServer(cfg.Server, svc, repo, cacheImpl, busImpl, m, Version)

	// Start Server in goroutine
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("harrier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	printBanner(cfg, Version)

	// Wait for shutdown signal
	<-ctx.Done()
	slog.Info("shutting down...")

	// Stop worker first so in-flight refreshes drain
	if err := pipelineWorker.Stop(); err != nil {
		slog.Error("failed to stop worker", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("harrier shutdown complete")
}

// applyEnvOverrides applies HARRIER_* environment overrides on top of
// the tier defaults.
func applyEnvOverrides(cfg *domain.Config) {
	envStr("HARRIER_HOST", &cfg.Server.Host)
	envInt("HARRIER_PORT", &cfg.Server.Port)

	envStr("HARRIER_SQLITE_PATH", &cfg.Repository.SQLitePath)
	envStr("HARRIER_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	envInt("HARRIER_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	envStr("HARRIER_POSTGRES_USER", &cfg.Repository.PostgresUser)
	envStr("HARRIER_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	envStr("HARRIER_POSTGRES_DB", &cfg.Repository.PostgresDB)
	envStr("HARRIER_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	envStr("HARRIER_REDIS_ADDR", &cfg.Cache.RedisAddr)
	envStr("HARRIER_REDIS_PASSWORD", &cfg.Cache.RedisPassword)

	envStr("HARRIER_NATS_URL", &cfg.EventBus.NATSUrl)
	envStr("HARRIER_NATS_TOKEN", &cfg.EventBus.NATSToken)

	// A configured endpoint implies the HTTP provider.
	if v := os.Getenv("HARRIER_EMBED_ENDPOINT"); v != "" {
		cfg.Embedding.Provider = "http"
		cfg.Embedding.Endpoint = v
	}

	envInt("HARRIER_REFRESH_THRESHOLD", &cfg.Clustering.RefreshThreshold)
	envInt("HARRIER_WINDOW_SIZE", &cfg.Clustering.WindowSize)

	envStr("HARRIER_ALERT_RULES", &cfg.Alerts.RulesPath)
	if os.Getenv("HARRIER_WATCH_RULES") == "true" {
		cfg.Alerts.WatchRules = true
	}
	if os.Getenv("HARRIER_ALERTS") == "false" {
		cfg.Alerts.Enabled = false
	}
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			slog.Warn("ignoring non-numeric environment override", "key", key, "value", v)
			return
		}
		*dst = n
	}
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ╔══════════════════════════════════════════╗")
	fmt.Println("  ║               🦅 HARRIER                  ║")
	fmt.Println("  ║    Threat Clustering & Aggregation        ║")
	fmt.Println("  ║    Campaigns surface before they spread.  ║")
	fmt.Println("  ╚══════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /v1/events              - Record a threat report")
	fmt.Println("    GET  /v1/events/{id}         - Look up a recorded report")
	fmt.Println("    POST /v1/analyze             - Score a report without recording")
	fmt.Println("    GET  /v1/clusters/top        - Top clusters by average score")
	fmt.Println("    GET  /v1/clusters            - List clusters")
	fmt.Println("    GET  /v1/clusters/{id}       - Cluster detail with member profiles")
	fmt.Println("    POST /v1/refresh             - Force a cluster refresh")
	fmt.Println("    GET  /v1/receivers/{id}      - Receiver profile and history")
	fmt.Println("    GET  /v1/trending            - Trending receivers")
	fmt.Println("    GET  /healthz                - Health check")
	fmt.Println("    GET  /metrics                - Prometheus metrics")
	fmt.Println()
}
