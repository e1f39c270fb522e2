package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis-grc/aegis/internal/graph"
)

// Repository provides PostgreSQL backed persistence for snapshots and deltas.
// Snapshot rows are insert-only; nothing here mutates an existing capture.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertSnapshotQuery = `
INSERT INTO snapshots (
    id, tenant_id, trigger_type, triggered_by, content_hash,
    total_users, total_roles, total_assignments, total_permissions,
    graph, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

// Insert persists a snapshot.
func (r *Repository) Insert(ctx context.Context, s Snapshot) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("snapshot repo not initialised")
	}
	payload, err := json.Marshal(s.Graph)
	if err != nil {
		return fmt.Errorf("snapshot: marshal graph payload: %w", err)
	}
	_, err = r.pool.Exec(ctx, insertSnapshotQuery,
		s.ID, s.TenantID, s.TriggerType, s.TriggeredBy, s.ContentHash,
		s.TotalUsers, s.TotalRoles, s.TotalAssignments, s.TotalPermissions,
		payload, s.CreatedAt,
	)
	return err
}

const getSnapshotQuery = `
SELECT id, tenant_id, trigger_type, triggered_by, content_hash,
       total_users, total_roles, total_assignments, total_permissions,
       graph, created_at
FROM snapshots
WHERE id = $1`

// Get loads one snapshot with its embedded graph. Tenant ownership is
// validated by the service layer.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	if r == nil || r.pool == nil {
		return Snapshot{}, fmt.Errorf("snapshot repo not initialised")
	}
	var s Snapshot
	var payload []byte
	err := r.pool.QueryRow(ctx, getSnapshotQuery, id).Scan(
		&s.ID, &s.TenantID, &s.TriggerType, &s.TriggeredBy, &s.ContentHash,
		&s.TotalUsers, &s.TotalRoles, &s.TotalAssignments, &s.TotalPermissions,
		&payload, &s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Snapshot{}, ErrNotFound
	}
	if err != nil {
		return Snapshot{}, err
	}
	var g graph.Graph
	if err := json.Unmarshal(payload, &g); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: decode graph payload for %s: %w", s.ID, err)
	}
	s.Graph = g
	return s, nil
}

const listSnapshotsQuery = `
SELECT id, tenant_id, trigger_type, triggered_by, content_hash,
       total_users, total_roles, total_assignments, total_permissions, created_at
FROM snapshots
WHERE tenant_id = $1
ORDER BY created_at DESC
LIMIT $2`

// List returns the most recent snapshot metadata for a tenant, newest first.
func (r *Repository) List(ctx context.Context, tenantID int64, limit int) ([]Meta, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("snapshot repo not initialised")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, listSnapshotsQuery, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var metas []Meta
	for rows.Next() {
		var m Meta
		if err := rows.Scan(&m.ID, &m.TenantID, &m.TriggerType, &m.TriggeredBy, &m.ContentHash,
			&m.TotalUsers, &m.TotalRoles, &m.TotalAssignments, &m.TotalPermissions, &m.CreatedAt); err != nil {
			return nil, err
		}
		metas = append(metas, m)
	}
	return metas, rows.Err()
}

const insertDeltaQuery = `
INSERT INTO snapshot_deltas (
    tenant_id, from_snapshot_id, to_snapshot_id, delta_type,
    user_key, role_key, introduces_sod_risk, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING id`

// InsertDeltas persists detected deltas, returning them with assigned ids.
func (r *Repository) InsertDeltas(ctx context.Context, deltas []Delta) ([]Delta, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("snapshot repo not initialised")
	}
	stored := make([]Delta, 0, len(deltas))
	for _, d := range deltas {
		if err := r.pool.QueryRow(ctx, insertDeltaQuery,
			d.TenantID, d.FromSnapshotID, d.ToSnapshotID, d.Type,
			d.UserKey, d.RoleKey, d.IntroducesSodRisk, d.CreatedAt,
		).Scan(&d.ID); err != nil {
			return nil, fmt.Errorf("snapshot: insert delta: %w", err)
		}
		stored = append(stored, d)
	}
	return stored, nil
}

const listDeltasQuery = `
SELECT id, tenant_id, from_snapshot_id, to_snapshot_id, delta_type,
       user_key, role_key, introduces_sod_risk, created_at
FROM snapshot_deltas
WHERE tenant_id = $1 AND from_snapshot_id = $2 AND to_snapshot_id = $3
ORDER BY id`

// ListDeltas returns previously detected deltas for a snapshot pair.
func (r *Repository) ListDeltas(ctx context.Context, tenantID int64, fromID, toID uuid.UUID) ([]Delta, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("snapshot repo not initialised")
	}
	rows, err := r.pool.Query(ctx, listDeltasQuery, tenantID, fromID, toID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deltas []Delta
	for rows.Next() {
		var d Delta
		if err := rows.Scan(&d.ID, &d.TenantID, &d.FromSnapshotID, &d.ToSnapshotID, &d.Type,
			&d.UserKey, &d.RoleKey, &d.IntroducesSodRisk, &d.CreatedAt); err != nil {
			return nil, err
		}
		deltas = append(deltas, d)
	}
	return deltas, rows.Err()
}
