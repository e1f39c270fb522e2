package graph

import (
	"encoding/json"
	"time"
)

// RoleType distinguishes single roles from composite bundles.
type RoleType string

const (
	RoleSingle    RoleType = "SINGLE"
	RoleComposite RoleType = "COMPOSITE"
)

// Action is the normalized capability verb of a permission.
type Action string

const (
	ActionCreate  Action = "CREATE"
	ActionRead    Action = "READ"
	ActionUpdate  Action = "UPDATE"
	ActionDelete  Action = "DELETE"
	ActionExecute Action = "EXECUTE"
	ActionApprove Action = "APPROVE"
)

// AssignmentType describes how a user came to hold a role.
type AssignmentType string

const (
	AssignmentDirect    AssignmentType = "DIRECT"
	AssignmentInherited AssignmentType = "INHERITED"
	AssignmentTemporary AssignmentType = "TEMPORARY"
	AssignmentEmergency AssignmentType = "EMERGENCY"
	AssignmentComposite AssignmentType = "COMPOSITE"
)

// User is the canonical, system-agnostic identity record.
// Natural key: (tenant, source system, source user id).
type User struct {
	ID            int64             `json:"id"`
	TenantID      int64             `json:"tenantId"`
	SourceSystem  string            `json:"sourceSystem"`
	SourceUserID  string            `json:"sourceUserId"`
	Username      string            `json:"username"`
	Email         string            `json:"email"`
	UserType      string            `json:"userType"`
	Department    string            `json:"department"`
	CostCenter    string            `json:"costCenter"`
	OrgUnit       string            `json:"orgUnit"`
	IsActive      bool              `json:"isActive"`
	IsLocked      bool              `json:"isLocked"`
	SourcePayload json.RawMessage   `json:"sourcePayload,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// NaturalKey returns the connector-facing identity of the user.
func (u User) NaturalKey() string {
	return u.SourceSystem + "/" + u.SourceUserID
}

// Role is a source-system authorization bundle.
type Role struct {
	ID           int64     `json:"id"`
	TenantID     int64     `json:"tenantId"`
	SourceSystem string    `json:"sourceSystem"`
	SourceRoleID string    `json:"sourceRoleId"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Type         RoleType  `json:"type"`
	ParentRoleID *int64    `json:"parentRoleId,omitempty"`
	IsCritical   bool      `json:"isCritical"`
	RiskLevel    string    `json:"riskLevel,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// NaturalKey returns the connector-facing identity of the role.
func (r Role) NaturalKey() string {
	return r.SourceSystem + "/" + r.SourceRoleID
}

// Permission is an atomic capability unit.
type Permission struct {
	ID                 int64             `json:"id"`
	TenantID           int64             `json:"tenantId"`
	SourceSystem       string            `json:"sourceSystem"`
	SourcePermissionID string            `json:"sourcePermissionId"`
	Name               string            `json:"name"`
	Action             Action            `json:"action"`
	Object             string            `json:"object"`
	Scope              map[string]string `json:"scope,omitempty"`
	CreatedAt          time.Time         `json:"createdAt"`
	UpdatedAt          time.Time         `json:"updatedAt"`
}

// Assignment is the User->Role edge.
type Assignment struct {
	ID            int64             `json:"id"`
	TenantID      int64             `json:"tenantId"`
	UserID        int64             `json:"userId"`
	RoleID        int64             `json:"roleId"`
	Type          AssignmentType    `json:"type"`
	ValidFrom     *time.Time        `json:"validFrom,omitempty"`
	ValidTo       *time.Time        `json:"validTo,omitempty"`
	ScopeOverride map[string]string `json:"scopeOverride,omitempty"`
	IsActive      bool              `json:"isActive"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// ValidAt reports whether the assignment's validity window covers t.
func (a Assignment) ValidAt(t time.Time) bool {
	if a.ValidFrom != nil && t.Before(*a.ValidFrom) {
		return false
	}
	if a.ValidTo != nil && t.After(*a.ValidTo) {
		return false
	}
	return true
}

// RolePermission links a role to a permission it grants.
type RolePermission struct {
	TenantID     int64 `json:"tenantId"`
	RoleID       int64 `json:"roleId"`
	PermissionID int64 `json:"permissionId"`
}

// Scope restricts which slice of the access graph is loaded.
type Scope struct {
	Systems         []string
	OrgUnits        []string
	UserTypes       []string
	UserIDs         []int64
	IncludeInactive bool
}

// Graph is one tenant's loaded access graph, the unit the evaluation
// engine and the snapshot service operate on.
type Graph struct {
	TenantID        int64            `json:"tenantId"`
	Users           []User           `json:"users"`
	Roles           []Role           `json:"roles"`
	Permissions     []Permission     `json:"permissions"`
	Assignments     []Assignment     `json:"assignments"`
	RolePermissions []RolePermission `json:"rolePermissions"`
}
