package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/bullseye-dist/bullseye/internal/app"
	"github.com/bullseye-dist/bullseye/internal/apps"
	"github.com/bullseye-dist/bullseye/internal/authz"
	"github.com/bullseye-dist/bullseye/internal/capability"
	"github.com/bullseye-dist/bullseye/internal/groups"
	"github.com/bullseye-dist/bullseye/internal/observability"
	"github.com/bullseye-dist/bullseye/internal/permcache"
	"github.com/bullseye-dist/bullseye/internal/platform/cache"
	"github.com/bullseye-dist/bullseye/internal/platform/db"
	"github.com/bullseye-dist/bullseye/internal/policy"
	"github.com/bullseye-dist/bullseye/internal/shared"
	"github.com/bullseye-dist/bullseye/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, cfg.PGMaxConns)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, serving from snapshots", slog.Any("error", err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	graph := capability.MustGraph()
	scopedGraph := capability.MustScopedGraph()

	metrics := observability.NewMetrics()
	auditLogger := shared.NewAuditLogger(pool)

	policyRepo := policy.NewRepository(pool)
	appsRepo := apps.NewRepository(pool)
	snapshotStore := permcache.NewStore(pool)

	permCache := permcache.New(permcache.Config{
		Source:  policyRepo,
		Store:   snapshotStore,
		Redis:   redisClient,
		Graph:   graph,
		Scoped:  scopedGraph,
		TTL:     cfg.PermissionCacheTTL,
		Logger:  logger,
		Metrics: metrics,
	})

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	policyService := policy.NewService(policy.ServiceConfig{
		Repo:      policyRepo,
		Apps:      appsRepo,
		Graph:     graph,
		Scoped:    scopedGraph,
		Cache:     permCache,
		Recompute: jobClient,
		Audit:     auditLogger,
		Logger:    logger,
	})

	gate := authz.NewGate(permCache, logger, metrics)
	authzMiddleware := authz.Middleware{Gate: gate, Logger: logger}
	authzHandler := authz.NewHandler(logger, gate, authzMiddleware)
	groupsHandler := groups.NewHandler(logger, policyService, authzMiddleware)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:        logger,
		Config:        cfg,
		AuthzHandler:  authzHandler,
		GroupsHandler: groupsHandler,
		JobHandler:    jobHandler,
		Metrics:       metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
