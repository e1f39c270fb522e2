package rules

import (
	"encoding/json"
	"fmt"
	"time"
)

// Severity classifies how dangerous a realised risk is.
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// Score maps a severity to its deterministic numeric risk score.
func (s Severity) Score() int {
	switch s {
	case SeverityCritical:
		return 95
	case SeverityHigh:
		return 75
	case SeverityMedium:
		return 50
	case SeverityLow:
		return 25
	default:
		return 0
	}
}

// Valid reports whether the severity is a known value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Risk is a named business hazard a ruleset protects against.
type Risk struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenantId"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Severity    Severity  `json:"severity"`
	Standards   []string  `json:"standards,omitempty"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Function is a named business capability composed of permissions. It is the
// unit rules conflict over, not roles or permissions directly.
type Function struct {
	ID          int64     `json:"id"`
	TenantID    int64     `json:"tenantId"`
	Code        string    `json:"code"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`

	// PermissionIDs is resolved once by the loader, not per evaluation.
	PermissionIDs []int64 `json:"permissionIds,omitempty"`
}

// FunctionPermission links a function to one of its permissions.
type FunctionPermission struct {
	TenantID     int64 `json:"tenantId"`
	FunctionID   int64 `json:"functionId"`
	PermissionID int64 `json:"permissionId"`
}

// ConditionType tags the closed set of ruleset condition variants.
type ConditionType string

const (
	ConditionAlways    ConditionType = "ALWAYS"
	ConditionSameScope ConditionType = "SAME_SCOPE"
	ConditionThreshold ConditionType = "THRESHOLD"
	ConditionTemporal  ConditionType = "TEMPORAL"
	ConditionOrgUnit   ConditionType = "ORG_UNIT"
)

// Condition is the closed tagged-variant type for ruleset conditions. Each
// variant carries its own parameters and gets its own evaluation function in
// the engine; an unknown variant is a per-rule error, never a silent false.
type Condition interface {
	Type() ConditionType
}

// AlwaysCondition fires whenever both functions are held.
type AlwaysCondition struct{}

func (AlwaysCondition) Type() ConditionType { return ConditionAlways }

// SameScopeCondition fires only when the assignments carrying the two
// functions overlap on the configured organizational scope field.
type SameScopeCondition struct {
	ScopeField string `json:"scopeField"`
}

func (SameScopeCondition) Type() ConditionType { return ConditionSameScope }

// ThresholdCondition compares a transactional figure against a limit. With no
// transactional feed wired it degrades to "both functions present".
type ThresholdCondition struct {
	Field string  `json:"field"`
	Limit float64 `json:"limit"`
}

func (ThresholdCondition) Type() ConditionType { return ConditionThreshold }

// TemporalCondition requires both functions exercised within a day window.
// Degrades like ThresholdCondition when usage history is unavailable.
type TemporalCondition struct {
	WindowDays int `json:"windowDays"`
}

func (TemporalCondition) Type() ConditionType { return ConditionTemporal }

// OrgUnitCondition fires only for users whose org unit is in the allow-list.
type OrgUnitCondition struct {
	OrgUnits []string `json:"orgUnits"`
}

func (OrgUnitCondition) Type() ConditionType { return ConditionOrgUnit }

// ParseCondition decodes a stored condition type and parameter document into
// its typed variant.
func ParseCondition(condType string, params []byte) (Condition, error) {
	if len(params) == 0 {
		params = []byte("{}")
	}
	switch ConditionType(condType) {
	case ConditionAlways:
		return AlwaysCondition{}, nil
	case ConditionSameScope:
		var c SameScopeCondition
		if err := json.Unmarshal(params, &c); err != nil {
			return nil, fmt.Errorf("rules: decode SAME_SCOPE params: %w", err)
		}
		if c.ScopeField == "" {
			return nil, fmt.Errorf("rules: SAME_SCOPE requires scopeField")
		}
		return c, nil
	case ConditionThreshold:
		var c ThresholdCondition
		if err := json.Unmarshal(params, &c); err != nil {
			return nil, fmt.Errorf("rules: decode THRESHOLD params: %w", err)
		}
		return c, nil
	case ConditionTemporal:
		var c TemporalCondition
		if err := json.Unmarshal(params, &c); err != nil {
			return nil, fmt.Errorf("rules: decode TEMPORAL params: %w", err)
		}
		return c, nil
	case ConditionOrgUnit:
		var c OrgUnitCondition
		if err := json.Unmarshal(params, &c); err != nil {
			return nil, fmt.Errorf("rules: decode ORG_UNIT params: %w", err)
		}
		if len(c.OrgUnits) == 0 {
			return nil, fmt.Errorf("rules: ORG_UNIT requires a non-empty allow-list")
		}
		return c, nil
	default:
		return nil, fmt.Errorf("rules: unknown condition type %q", condType)
	}
}

// LogicOperator combines condition outcomes. The current model binds one
// condition per ruleset, so AND and OR behave identically; the operator is
// persisted for forward compatibility with multi-condition rulesets.
type LogicOperator string

const (
	LogicAnd LogicOperator = "AND"
	LogicOr  LogicOperator = "OR"
)

// Ruleset binds a risk to exactly two conflicting functions under a condition.
type Ruleset struct {
	ID          int64         `json:"id"`
	TenantID    int64         `json:"tenantId"`
	RiskID      int64         `json:"riskId"`
	Code        string        `json:"code"`
	Name        string        `json:"name"`
	FunctionAID int64         `json:"functionAId"`
	FunctionBID int64         `json:"functionBId"`
	Condition   Condition     `json:"-"`
	LogicOp     LogicOperator `json:"logicOp"`
	IsActive    bool          `json:"isActive"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
}

// Rule is a fully resolved {risk, ruleset, functionA, functionB} tuple ready
// for evaluation.
type Rule struct {
	Risk      Risk
	Ruleset   Ruleset
	FunctionA Function
	FunctionB Function
}
