package jobs

import (
	"encoding/json"

	"github.com/hibiken/asynq"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// TaskAnalysisRun triggers a full conflict analysis for one tenant.
	TaskAnalysisRun = "analysis:run"
	// TaskSnapshotCapture captures an access-graph snapshot for one tenant.
	TaskSnapshotCapture = "snapshot:capture"
)

// AnalysisRunPayload describes a scheduled analysis request.
type AnalysisRunPayload struct {
	TenantID int64  `json:"tenantId"`
	Mode     string `json:"mode"`
}

// NewAnalysisRunTask constructs an Asynq task.
func NewAnalysisRunTask(payload AnalysisRunPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskAnalysisRun, data), nil
}

// SnapshotCapturePayload describes a scheduled snapshot request.
type SnapshotCapturePayload struct {
	TenantID    int64  `json:"tenantId"`
	TriggeredBy string `json:"triggeredBy"`
}

// NewSnapshotCaptureTask constructs an Asynq task.
func NewSnapshotCaptureTask(payload SnapshotCapturePayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskSnapshotCapture, data), nil
}
