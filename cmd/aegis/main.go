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

	"github.com/aegis-grc/aegis/internal/analysis"
	analysishttp "github.com/aegis-grc/aegis/internal/analysis/http"
	"github.com/aegis-grc/aegis/internal/app"
	"github.com/aegis-grc/aegis/internal/engine"
	"github.com/aegis-grc/aegis/internal/findings"
	findingshttp "github.com/aegis-grc/aegis/internal/findings/http"
	"github.com/aegis-grc/aegis/internal/graph"
	graphhttp "github.com/aegis-grc/aegis/internal/graph/http"
	"github.com/aegis-grc/aegis/internal/observability"
	"github.com/aegis-grc/aegis/internal/platform/cache"
	"github.com/aegis-grc/aegis/internal/platform/db"
	"github.com/aegis-grc/aegis/internal/rules"
	"github.com/aegis-grc/aegis/internal/snapshot"
	snapshothttp "github.com/aegis-grc/aegis/internal/snapshot/http"
	"github.com/aegis-grc/aegis/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, report caching disabled", slog.Any("error", err))
		redisClient = nil
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	graphRepo := graph.NewRepository(pool)
	graphLoader := graph.NewLoader(graphRepo, logger)
	graphSyncer := graph.NewSyncer(pool, logger)

	rulesRepo := rules.NewRepository(pool)
	rulesLoader := rules.NewLoader(rulesRepo, logger)

	findingsRepo := findings.NewRepository(pool)
	var reportCache findings.Cache
	if redisClient != nil {
		reportCache = findings.NewRedisCache(redisClient, cfg.ReportCacheTTL)
	}
	findingsService := findings.NewService(findingsRepo, reportCache, logger)

	snapshotRepo := snapshot.NewRepository(pool)
	snapshotService := snapshot.NewService(snapshotRepo, graphLoader, logger)
	snapshotService.WithMetrics(metrics)

	detector := engine.New(logger)
	runRepo := analysis.NewRepository(pool)
	analysisService := analysis.NewService(
		runRepo, rulesLoader, graphLoader, detector, findingsRepo,
		snapshotService, findingsService, metrics, logger,
	)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Warn("jobs client unavailable, async scheduling disabled", slog.Any("error", err))
		jobsClient = nil
	}
	defer func() {
		if jobsClient == nil {
			return
		}
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	analysisHandler := analysishttp.NewHandler(logger, analysisService, jobsClient)
	snapshotHandler := snapshothttp.NewHandler(logger, snapshotService, jobsClient)
	findingsHandler := findingshttp.NewHandler(logger, findingsService)
	graphHandler := graphhttp.NewHandler(logger, graphSyncer)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		AnalysisHandler: analysisHandler,
		SnapshotHandler: snapshotHandler,
		FindingsHandler: findingsHandler,
		GraphHandler:    graphHandler,
		JobHandler:      jobHandler,
		Metrics:         metrics,
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
