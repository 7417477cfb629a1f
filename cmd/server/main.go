package main

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/sandchest/sandchest/internal/billing"
	"github.com/sandchest/sandchest/internal/config"
	"github.com/sandchest/sandchest/internal/grpcstream"
	"github.com/sandchest/sandchest/internal/kv"
	"github.com/sandchest/sandchest/internal/objectstore"
	"github.com/sandchest/sandchest/internal/orchestrator"
	"github.com/sandchest/sandchest/internal/quota"
	"github.com/sandchest/sandchest/internal/registry"
	"github.com/sandchest/sandchest/internal/rest"
	"github.com/sandchest/sandchest/internal/scheduler"
	"github.com/sandchest/sandchest/internal/store"
	postgresStore "github.com/sandchest/sandchest/internal/store/postgres"
	"github.com/sandchest/sandchest/internal/telemetry"
)

func main() {
	// Load .env if present; production uses real env vars.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.Logging.Level, cfg.Logging.Format)
	slog.SetDefault(logger)

	redactedDB := cfg.Database.URL
	if u, err := url.Parse(cfg.Database.URL); err == nil && u.User != nil {
		u.User = url.UserPassword("***", "***")
		redactedDB = u.String()
	}
	logger.Info("starting sandchest control plane",
		"rest_addr", cfg.API.Addr,
		"grpc_addr", cfg.GRPC.Address,
		"db", redactedDB,
	)

	// Shared Postgres store.
	st, err := postgresStore.New(ctx, store.Config{
		DatabaseURL:     cfg.Database.URL,
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		AutoMigrate:     cfg.Database.AutoMigrate,
	})
	if err != nil {
		logger.Error("failed to initialize store", "error", err)
		os.Exit(1)
	}
	defer func() {
		if cerr := st.Close(); cerr != nil {
			logger.Error("failed to close store", "error", cerr)
		}
	}()

	// Shared Redis KV for leases, rate limits, and event buffers.
	kvc, err := kv.New(cfg.Redis.URL)
	if err != nil {
		logger.Error("failed to initialize kv", "error", err)
		os.Exit(1)
	}

	// Object storage backs replay logs and artifact downloads.
	if cfg.ObjectStore.Endpoint == "" {
		logger.Error("OBJECT_STORE_ENDPOINT is required")
		os.Exit(1)
	}
	objects, err := objectstore.New(ctx, cfg.ObjectStore, logger)
	if err != nil {
		logger.Error("failed to initialize object store", "error", err)
		os.Exit(1)
	}

	// In-memory registry of connected node streams.
	reg := registry.New()

	// gRPC server node daemons connect to.
	var grpcOpts []grpc.ServerOption
	if cfg.GRPC.TLSCertFile != "" && cfg.GRPC.TLSKeyFile != "" {
		creds, err := credentials.NewServerTLSFromFile(cfg.GRPC.TLSCertFile, cfg.GRPC.TLSKeyFile)
		if err != nil {
			logger.Error("failed to load gRPC TLS credentials", "error", err)
			os.Exit(1)
		}
		grpcOpts = append(grpcOpts, grpc.Creds(creds))
		logger.Info("gRPC TLS enabled")
	} else {
		logger.Warn("gRPC server running WITHOUT TLS - node bearer tokens will be sent in plaintext")
	}

	quotas := quota.NewResolver(st, cfg.Quota)

	grpcSrv, err := grpcstream.NewServer(
		cfg.GRPC.Address,
		reg,
		st,
		kvc,
		quotas,
		logger,
		grpcstream.Config{
			HeartbeatTimeout: cfg.Orchestrator.HeartbeatTimeout,
			EventCap:         cfg.Orchestrator.ExecEventCap,
			EventTTL:         cfg.Orchestrator.ReplayRetention,
		},
		grpcOpts...,
	)
	if err != nil {
		logger.Error("failed to initialize gRPC server", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(st, kvc, logger, cfg.Orchestrator.SlotLeaseTTL)
	meters := billing.NewMeterManager(st, cfg.Billing.StripeSecretKey, cfg.Billing.Enforce, logger)

	tel := telemetry.New(cfg.PostHog.APIKey, cfg.PostHog.Endpoint, st, logger)
	defer tel.Close()

	orch := orchestrator.New(st, kvc, sched, grpcSrv.Handler(), objects, meters, quotas, tel, logger, cfg.Orchestrator)
	go orch.Run(ctx)

	srv := rest.NewServer(st, kvc, orch, objects, meters, tel, cfg, logger)

	httpSrv := &http.Server{
		Addr:              cfg.API.Addr,
		Handler:           srv.Router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       cfg.API.ReadTimeout,
		WriteTimeout:      cfg.API.WriteTimeout,
		IdleTimeout:       cfg.API.IdleTimeout,
	}

	grpcErrCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server listening", "addr", cfg.GRPC.Address)
		if err := grpcSrv.Start(); err != nil {
			grpcErrCh <- err
		}
	}()

	httpErrCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.API.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			httpErrCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-grpcErrCh:
		logger.Error("gRPC server error", "error", err)
	case err := <-httpErrCh:
		logger.Error("HTTP server error", "error", err)
	}

	// Refuse new requests, give load balancers time to notice, then drain
	// in-flight HTTP before stopping gRPC so node streams survive the drain.
	srv.Drain()
	time.Sleep(cfg.API.DrainTimeout)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.API.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server graceful shutdown failed", "error", err)
		_ = httpSrv.Close()
	} else {
		logger.Info("HTTP server shut down gracefully")
	}

	grpcSrv.Stop()
	logger.Info("gRPC server stopped")
}

func setupLogger(levelStr, format string) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(handler)
}
