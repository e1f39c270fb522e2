package findings

import (
	"fmt"
	"time"

	"github.com/aegis-grc/aegis/internal/rules"
)

// Status is the review lifecycle of a finding.
type Status string

const (
	StatusOpen             Status = "OPEN"
	StatusInReview         Status = "IN_REVIEW"
	StatusMitigated        Status = "MITIGATED"
	StatusExceptionGranted Status = "EXCEPTION_GRANTED"
	StatusResolved         Status = "RESOLVED"
	StatusFalsePositive    Status = "FALSE_POSITIVE"
	StatusAcceptedRisk     Status = "ACCEPTED_RISK"
)

// NodeType tags entries of an explain trace.
type NodeType string

const (
	NodeUser     NodeType = "USER"
	NodeRole     NodeType = "ROLE"
	NodeFunction NodeType = "FUNCTION"
	NodeRisk     NodeType = "RISK"
)

// TraceNode is one step of the linear User -> Role(s) -> Function(s) -> Risk
// explanation chain.
type TraceNode struct {
	Type     NodeType          `json:"type"`
	ID       string            `json:"id"`
	Name     string            `json:"name"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Trace is the full explanation chain for one finding.
type Trace []TraceNode

// Finding is a detected instance of a user violating a ruleset.
type Finding struct {
	ID          int64          `json:"id"`
	TenantID    int64          `json:"tenantId"`
	Code        string         `json:"code"`
	RiskID      int64          `json:"riskId"`
	RiskCode    string         `json:"riskCode"`
	RulesetID   int64          `json:"rulesetId"`
	UserID      int64          `json:"userId"`
	FunctionAID int64          `json:"functionAId"`
	FunctionBID int64          `json:"functionBId"`
	Severity    rules.Severity `json:"severity"`
	RiskScore   int            `json:"riskScore"`

	// RoleIDsA / RoleIDsB are the roles actually granting each function.
	RoleIDsA []int64 `json:"roleIdsA"`
	RoleIDsB []int64 `json:"roleIdsB"`

	Trace Trace `json:"trace"`

	Status          Status     `json:"status"`
	FirstDetected   time.Time  `json:"firstDetected"`
	LastDetected    time.Time  `json:"lastDetected"`
	RecurrenceCount int        `json:"recurrenceCount"`
	IsRecurring     bool       `json:"isRecurring"`
	ResolvedAt      *time.Time `json:"resolvedAt,omitempty"`
	ResolutionNote  string     `json:"resolutionNote,omitempty"`
}

// BuildCode derives the stable dedup code for a finding. The first-detected
// epoch is frozen at insert time, so re-detections keep the original code.
func BuildCode(riskCode string, userID int64, firstDetected time.Time) string {
	return fmt.Sprintf("%s-%d-%d", riskCode, userID, firstDetected.Unix())
}
