// Package main is the entry point for the snapclaw orchestrator service.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashthecoder05/snapclaw-platform/internal/agentstore"
	"github.com/ashthecoder05/snapclaw-platform/internal/api"
	"github.com/ashthecoder05/snapclaw-platform/internal/auth"
	"github.com/ashthecoder05/snapclaw-platform/internal/cluster"
	"github.com/ashthecoder05/snapclaw-platform/internal/config"
	"github.com/ashthecoder05/snapclaw-platform/internal/locks"
	"github.com/ashthecoder05/snapclaw-platform/internal/manifest"
	"github.com/ashthecoder05/snapclaw-platform/internal/orchestrator"
	"github.com/ashthecoder05/snapclaw-platform/internal/reconciler"
	"github.com/ashthecoder05/snapclaw-platform/internal/routes"
	"github.com/ashthecoder05/snapclaw-platform/internal/tracing"
	"github.com/ashthecoder05/snapclaw-platform/internal/validator"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Setup structured logging
	logLevel := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	logger.Info("starting orchestrator",
		slog.String("port", cfg.Port),
		slog.String("namespace", cfg.K8sNamespace),
		slog.String("log_level", cfg.LogLevel),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	tp, err := tracing.Init(ctx, &tracing.Config{
		ServiceName:    "snapclaw-orchestrator",
		ServiceVersion: "1.0.0",
		OTLPEndpoint:   cfg.TracingEndpoint,
		Enabled:        cfg.TracingEnabled,
		SampleRate:     cfg.TracingSample,
	}, logger)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
	} else {
		defer tp.Shutdown(context.Background())
	}

	// Agent store
	var store agentstore.Store
	switch cfg.StoreType {
	case "redis":
		redisStore, err := agentstore.NewRedisStore(&agentstore.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory store", "error", err)
			store = agentstore.NewMemoryStore()
		} else {
			store = redisStore
			logger.Info("using Redis agent store", slog.String("url", cfg.RedisURL))
		}
	default:
		store = agentstore.NewMemoryStore()
		logger.Info("using in-memory agent store")
	}
	defer store.Close()

	// Route table
	var table routes.Table
	switch cfg.RouteTableType {
	case "redis":
		redisTable, err := routes.NewRedisTable(&routes.RedisConfig{
			URL:      cfg.RedisURL,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err != nil {
			logger.Error("failed to connect to Redis, falling back to memory route table", "error", err)
			table = routes.NewMemoryTable()
		} else {
			table = redisTable
			logger.Info("using Redis route table")
		}
	default:
		table = routes.NewMemoryTable()
		logger.Info("using in-memory route table")
	}
	defer table.Close()

	// Cluster client
	kube, err := cluster.NewKubeClient(&cluster.Config{
		InCluster:  cfg.K8sInCluster,
		Kubeconfig: cfg.K8sKubeconfig,
		Namespace:  cfg.K8sNamespace,
	})
	if err != nil {
		logger.Error("failed to create cluster client", "error", err)
		os.Exit(1)
	}

	// Manifest builder and request validator
	builder := manifest.New(&manifest.Config{
		Namespace:          cfg.K8sNamespace,
		AgentImage:         cfg.AgentImage,
		ServiceAccountName: cfg.ServiceAccountName,
	})

	v, err := validator.New()
	if err != nil {
		logger.Error("failed to create validator", "error", err)
		// Continue without schema validation, the builder still rejects
		// malformed requests.
		v = nil
	}

	// Orchestrator
	registry := locks.NewRegistry()
	orch := orchestrator.New(store, kube, table, builder, v, registry, &orchestrator.Config{
		DeployDeadline: cfg.DeployDeadline,
		RetryAttempts:  cfg.RetryAttempts,
		RetryBackoff:   cfg.RetryBackoff,
	}, logger)

	// Rebuild the route table from durable records before serving.
	if err := orch.RebuildRoutes(ctx); err != nil {
		logger.Error("route table resync failed", "error", err)
	}

	// Reconciler
	rec := reconciler.New(store, kube, table, registry, orch, &reconciler.Config{
		Interval:      cfg.ReconcileInterval,
		Parallelism:   cfg.ReconcileParallelism,
		DegradedAfter: cfg.DegradedAfter,
		FailedAfter:   cfg.FailedAfter,
		AbandonAfter:  cfg.AbandonAfter,
	}, logger)
	go rec.Run(ctx)

	// API server
	handlers := api.NewHandlers(orch, store, table, cfg, logger)

	opts := []api.Option{
		api.WithRateLimiter(api.NewRateLimiter(&api.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
			CleanupInterval:   time.Minute,
			ClientTTL:         5 * time.Minute,
			SkipPaths:         []string{"/health", "/healthz", "/ready", "/metrics"},
		})),
	}

	if cfg.OIDCEnabled && cfg.OIDCIssuer != "" {
		provider, err := auth.NewProvider(ctx, &auth.Config{
			Issuer:   cfg.OIDCIssuer,
			ClientID: cfg.OIDCClientID,
		})
		if err != nil {
			logger.Error("failed to initialize OIDC provider", "error", err)
			os.Exit(1)
		}
		mw := auth.NewMiddleware(provider, &auth.MiddlewareConfig{Enabled: true})
		opts = append(opts, api.WithAuth(mw.Handler))
		logger.Info("OIDC authentication enabled", slog.String("issuer", cfg.OIDCIssuer))
	}

	server := api.NewServer(handlers, opts...)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      server.Router(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info("server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
}
