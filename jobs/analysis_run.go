package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/aegis-grc/aegis/internal/analysis"
	jobmetrics "github.com/aegis-grc/aegis/internal/jobs"
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// AnalysisRunJob executes scheduled conflict analyses for a tenant.
type AnalysisRunJob struct {
	Service *analysis.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewAnalysisRunJob initialises the scheduled analysis handler.
func NewAnalysisRunJob(service *analysis.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *AnalysisRunJob {
	return &AnalysisRunJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes one scheduled analysis.
func (j *AnalysisRunJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("analysis run: handler not configured")
	}
	var payload AnalysisRunPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.TenantID <= 0 {
		return asynq.SkipRetry
	}
	mode := analysis.Mode(payload.Mode)
	if !mode.Valid() {
		mode = analysis.ModeContinuous
	}

	tracker := j.metrics().Track(TaskAnalysisRun)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(
		slog.Int64("tenant_id", payload.TenantID),
		slog.String("mode", string(mode)),
	)
	logger.Info("starting scheduled analysis")
	start := time.Now()

	result, err := j.Service.Analyze(ctx, payload.TenantID, mode, analysis.Config{})
	if err != nil {
		resultErr = err
		logger.Error("scheduled analysis failed", slog.Any("error", err))
		return resultErr
	}

	logger.Info("completed scheduled analysis",
		slog.String("run_id", result.Run.ID.String()),
		slog.Int("users", result.Run.UsersEvaluated),
		slog.Int("findings", result.Run.TotalFindings),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *AnalysisRunJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskAnalysisRun))
	}
	return slog.Default().With(slog.String("job", TaskAnalysisRun))
}

func (j *AnalysisRunJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
