// Kestrel - Fraud ring detection over transaction snapshots.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/config"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/graph"
	"github.com/opensource-finance/kestrel/internal/model"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/telemetry"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(newLogger(cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"graph", cfg.Graph.Enabled,
		"model", cfg.Model.Enabled,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)
	results := cache.NewResultStore(cacheImpl, cfg.Cache.ResultTTL)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	flagRules := cfg.Model.FlagRules
	if len(flagRules) == 0 {
		flagRules = rules.DefaultFlagRules()
	}
	flags, err := rules.NewEngine(100)
	if err != nil {
		slog.Error("failed to initialize flag rules", "error", err)
		os.Exit(1)
	}
	if err := flags.LoadRules(flagRules); err != nil {
		slog.Error("failed to load flag rules", "error", err)
		os.Exit(1)
	}
	slog.Info("flag rules loaded", "rules_count", flags.RulesCount())

	metrics := telemetry.New()
	opts := []engine.Option{
		engine.WithMetrics(metrics),
		engine.WithSink("sql", repo),
	}

	var registry *model.Registry
	if cfg.Model.Enabled {
		registry = model.NewRegistry(cfg.Model, cacheImpl, flags)
		start := time.Now()
		if err := registry.Load(ctx); err != nil {
			slog.Error("failed to load model ensemble", "error", err)
			os.Exit(1)
		}
		slog.Info("model ensemble loaded", "duration_ms", time.Since(start).Milliseconds())
		opts = append(opts, engine.WithPredictor(registry))
	} else {
		slog.Info("model ensemble disabled, running rules-only")
	}

	if cfg.Graph.Enabled {
		client, err := graph.NewNeo4jClient(ctx, graph.OptionsFromConfig(cfg.Graph))
		if err != nil {
			slog.Error("failed to connect to graph database", "error", err)
			os.Exit(1)
		}
		sink := graph.NewSink(client)
		defer sink.Close(context.Background())
		if err := sink.EnsureSchema(ctx); err != nil {
			slog.Error("failed to prepare graph schema", "error", err)
			os.Exit(1)
		}
		opts = append(opts, engine.WithSink("graph", sink))
		slog.Info("graph sink initialized", "uri", cfg.Graph.URI)
	}

	eng := engine.New(cfg.Engine, opts...)

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, eng, results)
		if err := asyncWorker.Start(worker.Config{
			TenantIDs:   cfg.Worker.TenantIDs,
			Concurrency: cfg.Worker.Concurrency,
		}); err != nil {
			slog.Error("failed to start async worker", "error", err)
			os.Exit(1)
		}
	}

	deps := api.Dependencies{
		Analyzer: eng,
		Repo:     repo,
		Cache:    cacheImpl,
		Bus:      busImpl,
		Results:  results,
		Flags:    flags,
	}
	if registry != nil {
		deps.Model = registry
	}
	srv := api.NewServer(cfg.Server, cfg.Metrics, deps, metrics, Version)

	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}
	eng.Flush()
	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Error("failed to flush traces", "error", err)
	}

	slog.Info("kestrel shutdown complete")
}

func newLogger(cfg domain.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "text") {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  KESTREL")
	fmt.Println("  Fraud ring detection engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /analyze            - Analyze a transaction snapshot")
	fmt.Println("    POST /analyze/stored     - Analyze stored transactions (?window=24h)")
	fmt.Println("    POST /transactions       - Store transactions")
	fmt.Println("    POST /snapshots          - Submit a snapshot for async analysis")
	fmt.Println("    GET  /clusters           - List persisted clusters")
	fmt.Println("    GET  /analyses/{runId}   - Get an analysis by run id")
	fmt.Println("    GET  /rules              - List model flag rules")
	fmt.Println("    PUT  /rules              - Replace model flag rules")
	fmt.Println("    POST /rules/validate     - Validate a flag rule")
	fmt.Println("    GET  /health             - Health check")
	fmt.Println("    GET  /ready              - Readiness check")
	if cfg.Metrics.Enabled {
		fmt.Printf("    GET  %-19s - Prometheus metrics\n", cfg.Metrics.Path)
	}
	fmt.Println()
}
