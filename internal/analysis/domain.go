package analysis

import (
	"time"

	"github.com/google/uuid"

	"github.com/aegis-grc/aegis/internal/findings"
	"github.com/aegis-grc/aegis/internal/graph"
	"github.com/aegis-grc/aegis/internal/rules"
)

// Mode selects how much of the graph a run evaluates.
type Mode string

const (
	// ModeSnapshot evaluates the full scoped graph.
	ModeSnapshot Mode = "snapshot"
	// ModeDelta restricts evaluation to users touched by deltas between the
	// two most recent snapshots.
	ModeDelta Mode = "delta"
	// ModeContinuous is a snapshot-shaped run kicked off by the scheduler.
	ModeContinuous Mode = "continuous"
)

// Valid reports whether the mode is a known value.
func (m Mode) Valid() bool {
	switch m {
	case ModeSnapshot, ModeDelta, ModeContinuous:
		return true
	}
	return false
}

// RunStatus is the lifecycle of a run record.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
)

// Config narrows what a run evaluates.
type Config struct {
	Scope           graph.Scope      `json:"scope"`
	IncludeInactive bool             `json:"includeInactive"`
	RiskLevels      []rules.Severity `json:"riskLevels,omitempty"`
}

// Run is the persisted record of one analysis execution. Counts are filled
// when the run reaches a terminal status.
type Run struct {
	ID             uuid.UUID  `json:"id"`
	TenantID       int64      `json:"tenantId"`
	Mode           Mode       `json:"mode"`
	Status         RunStatus  `json:"status"`
	Config         Config     `json:"config"`
	UsersEvaluated int        `json:"usersEvaluated"`
	RulesEvaluated int        `json:"rulesEvaluated"`
	RulesSkipped   int        `json:"rulesSkipped"`
	TotalFindings  int        `json:"totalFindings"`
	CriticalCount  int        `json:"criticalCount"`
	HighCount      int        `json:"highCount"`
	MediumCount    int        `json:"mediumCount"`
	LowCount       int        `json:"lowCount"`
	ErrorMessage   string     `json:"errorMessage,omitempty"`
	StartedAt      time.Time  `json:"startedAt"`
	FinishedAt     *time.Time `json:"finishedAt,omitempty"`
	DurationMS     int64      `json:"durationMs"`
}

// Result pairs a terminal run record with its persisted findings.
type Result struct {
	Run      Run                `json:"run"`
	Findings []findings.Finding `json:"findings"`
}

// UserResult is the outcome of an on-demand single-user check.
type UserResult struct {
	Run            Run                `json:"run"`
	UserID         int64              `json:"userId"`
	ViolationCount int                `json:"violationCount"`
	Findings       []findings.Finding `json:"findings"`
}

// countBySeverity folds findings into the run's per-severity counters.
func (r *Run) countBySeverity(found []findings.Finding) {
	r.TotalFindings = len(found)
	for _, f := range found {
		switch f.Severity {
		case rules.SeverityCritical:
			r.CriticalCount++
		case rules.SeverityHigh:
			r.HighCount++
		case rules.SeverityMedium:
			r.MediumCount++
		case rules.SeverityLow:
			r.LowCount++
		}
	}
}
