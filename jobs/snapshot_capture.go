package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/aegis-grc/aegis/internal/jobs"
	"github.com/aegis-grc/aegis/internal/snapshot"
)

// SnapshotCaptureJob captures scheduled access-graph snapshots.
type SnapshotCaptureJob struct {
	Service *snapshot.Service
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSnapshotCaptureJob initialises the scheduled snapshot handler.
func NewSnapshotCaptureJob(service *snapshot.Service, logger *slog.Logger, metrics *jobmetrics.Metrics) *SnapshotCaptureJob {
	return &SnapshotCaptureJob{Service: service, Logger: logger, Metrics: metrics}
}

// Handle executes one scheduled snapshot capture.
func (j *SnapshotCaptureJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Service == nil {
		return errors.New("snapshot capture: handler not configured")
	}
	var payload SnapshotCapturePayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return asynq.SkipRetry
	}
	if payload.TenantID <= 0 {
		return asynq.SkipRetry
	}
	if payload.TriggeredBy == "" {
		payload.TriggeredBy = "scheduler"
	}

	tracker := j.metrics().Track(TaskSnapshotCapture)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Int64("tenant_id", payload.TenantID))
	logger.Info("starting scheduled snapshot")
	start := time.Now()

	snap, err := j.Service.Create(ctx, payload.TenantID, snapshot.TriggerScheduled, payload.TriggeredBy)
	if err != nil {
		resultErr = err
		logger.Error("scheduled snapshot failed", slog.Any("error", err))
		return resultErr
	}

	logger.Info("completed scheduled snapshot",
		slog.String("snapshot_id", snap.ID.String()),
		slog.String("content_hash", snap.ContentHash),
		slog.Int("users", snap.TotalUsers),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *SnapshotCaptureJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskSnapshotCapture))
	}
	return slog.Default().With(slog.String("job", TaskSnapshotCapture))
}

func (j *SnapshotCaptureJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
