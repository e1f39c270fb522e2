package snapshot

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-grc/aegis/internal/graph"
)

// ErrTenantMismatch indicates a delta comparison across tenants, which is a
// fatal input error: it is rejected before any state mutation.
var ErrTenantMismatch = errors.New("snapshot: snapshots belong to different tenants")

// ErrNotFound indicates the requested snapshot is missing.
var ErrNotFound = errors.New("snapshot: not found")

// TriggerType records what initiated a snapshot capture.
type TriggerType string

const (
	TriggerScheduled TriggerType = "SCHEDULED"
	TriggerOnDemand  TriggerType = "ON_DEMAND"
)

// Snapshot is an immutable, hashed capture of a tenant's full access graph.
// Totals are computed from the embedded collections at construction and are
// therefore always consistent with them.
type Snapshot struct {
	ID               uuid.UUID   `json:"id"`
	TenantID         int64       `json:"tenantId"`
	TriggerType      TriggerType `json:"triggerType"`
	TriggeredBy      string      `json:"triggeredBy"`
	ContentHash      string      `json:"contentHash"`
	TotalUsers       int         `json:"totalUsers"`
	TotalRoles       int         `json:"totalRoles"`
	TotalAssignments int         `json:"totalAssignments"`
	TotalPermissions int         `json:"totalPermissions"`
	Graph            graph.Graph `json:"graph"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// Meta is a snapshot row without its embedded graph, for listings.
type Meta struct {
	ID               uuid.UUID   `json:"id"`
	TenantID         int64       `json:"tenantId"`
	TriggerType      TriggerType `json:"triggerType"`
	TriggeredBy      string      `json:"triggeredBy"`
	ContentHash      string      `json:"contentHash"`
	TotalUsers       int         `json:"totalUsers"`
	TotalRoles       int         `json:"totalRoles"`
	TotalAssignments int         `json:"totalAssignments"`
	TotalPermissions int         `json:"totalPermissions"`
	CreatedAt        time.Time   `json:"createdAt"`
}

// New builds a snapshot from a loaded graph, computing totals and the
// canonical content hash.
func New(id uuid.UUID, g graph.Graph, trigger TriggerType, triggeredBy string, at time.Time) (Snapshot, error) {
	hash, err := ComputeHash(g)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		ID:               id,
		TenantID:         g.TenantID,
		TriggerType:      trigger,
		TriggeredBy:      triggeredBy,
		ContentHash:      hash,
		TotalUsers:       len(g.Users),
		TotalRoles:       len(g.Roles),
		TotalAssignments: len(g.Assignments),
		TotalPermissions: len(g.Permissions),
		Graph:            g,
		CreatedAt:        at,
	}, nil
}

// Meta returns the snapshot row without its embedded graph.
func (s Snapshot) Meta() Meta {
	return Meta{
		ID:               s.ID,
		TenantID:         s.TenantID,
		TriggerType:      s.TriggerType,
		TriggeredBy:      s.TriggeredBy,
		ContentHash:      s.ContentHash,
		TotalUsers:       s.TotalUsers,
		TotalRoles:       s.TotalRoles,
		TotalAssignments: s.TotalAssignments,
		TotalPermissions: s.TotalPermissions,
		CreatedAt:        s.CreatedAt,
	}
}

// DeltaType classifies a structural difference between two snapshots.
type DeltaType string

const (
	DeltaUserAdded      DeltaType = "USER_ADDED"
	DeltaUserRemoved    DeltaType = "USER_REMOVED"
	DeltaRoleAssigned   DeltaType = "ROLE_ASSIGNED"
	DeltaRoleUnassigned DeltaType = "ROLE_UNASSIGNED"
)

// Delta is one typed change between two snapshots of the same tenant.
// Assignment-related deltas always carry IntroducesSodRisk: a changed grant
// is always analysis-worthy.
type Delta struct {
	ID                int64     `json:"id"`
	TenantID          int64     `json:"tenantId"`
	FromSnapshotID    uuid.UUID `json:"fromSnapshotId"`
	ToSnapshotID      uuid.UUID `json:"toSnapshotId"`
	Type              DeltaType `json:"type"`
	UserKey           string    `json:"userKey"`
	RoleKey           string    `json:"roleKey,omitempty"`
	IntroducesSodRisk bool      `json:"introducesSodRisk"`
	CreatedAt         time.Time `json:"createdAt"`
}
