package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/aegis-grc/aegis/internal/analysis"
	"github.com/aegis-grc/aegis/internal/app"
	"github.com/aegis-grc/aegis/internal/engine"
	"github.com/aegis-grc/aegis/internal/findings"
	"github.com/aegis-grc/aegis/internal/graph"
	jobmetrics "github.com/aegis-grc/aegis/internal/jobs"
	"github.com/aegis-grc/aegis/internal/observability"
	"github.com/aegis-grc/aegis/internal/platform/cache"
	"github.com/aegis-grc/aegis/internal/platform/db"
	"github.com/aegis-grc/aegis/internal/rules"
	"github.com/aegis-grc/aegis/internal/snapshot"
	"github.com/aegis-grc/aegis/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
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
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

	graphRepo := graph.NewRepository(pool)
	graphLoader := graph.NewLoader(graphRepo, logger)

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

	analysisJob := jobs.NewAnalysisRunJob(analysisService, logger, jobMetrics)
	snapshotJob := jobs.NewSnapshotCaptureJob(snapshotService, logger, jobMetrics)

	var cron []jobs.CronRegistration
	for _, raw := range cfg.TenantList() {
		tenantID, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || tenantID <= 0 {
			logger.Warn("skipping invalid tenant in ANALYSIS_TENANTS", slog.String("tenant", raw))
			continue
		}
		analysisTask, err := jobs.NewAnalysisRunTask(jobs.AnalysisRunPayload{
			TenantID: tenantID,
			Mode:     string(analysis.ModeContinuous),
		})
		if err != nil {
			logger.Error("build analysis task", slog.Any("error", err))
			os.Exit(1)
		}
		snapshotTask, err := jobs.NewSnapshotCaptureTask(jobs.SnapshotCapturePayload{
			TenantID:    tenantID,
			TriggeredBy: "scheduler",
		})
		if err != nil {
			logger.Error("build snapshot task", slog.Any("error", err))
			os.Exit(1)
		}
		cron = append(cron,
			jobs.CronRegistration{Spec: cfg.AnalysisCron, Task: analysisTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
			jobs.CronRegistration{Spec: cfg.SnapshotCron, Task: snapshotTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskAnalysisRun, Handler: analysisJob.Handle},
			{Type: jobs.TaskSnapshotCapture, Handler: snapshotJob.Handle},
		},
		Cron: cron,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
