package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Querier is the subset of pgx operations the repository needs. Both
// *pgxpool.Pool and pgx.Tx satisfy it, so the same repository runs standalone
// or inside a sync transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Repository provides PostgreSQL backed persistence for the access graph.
// Upserts converge on natural keys so repeated connector syncs are idempotent.
type Repository struct {
	db Querier
}

// NewRepository constructs a repository.
func NewRepository(db Querier) *Repository {
	return &Repository{db: db}
}

const upsertUserQuery = `
INSERT INTO graph_users (
    tenant_id, source_system, source_user_id, username, email, user_type,
    department, cost_center, org_unit, is_active, is_locked, source_payload
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (tenant_id, source_system, source_user_id) DO UPDATE SET
    username = EXCLUDED.username,
    email = EXCLUDED.email,
    user_type = EXCLUDED.user_type,
    department = EXCLUDED.department,
    cost_center = EXCLUDED.cost_center,
    org_unit = EXCLUDED.org_unit,
    is_active = EXCLUDED.is_active,
    is_locked = EXCLUDED.is_locked,
    source_payload = EXCLUDED.source_payload,
    updated_at = now()`

// UpsertUsers writes users idempotently per natural key.
func (r *Repository) UpsertUsers(ctx context.Context, tenantID int64, users []User) (int, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("graph repo not initialised")
	}
	batch := &pgx.Batch{}
	for _, u := range users {
		batch.Queue(upsertUserQuery,
			tenantID, u.SourceSystem, u.SourceUserID, u.Username, u.Email, u.UserType,
			u.Department, u.CostCenter, u.OrgUnit, u.IsActive, u.IsLocked, payloadOrNull(u.SourcePayload),
		)
	}
	return r.sendBatch(ctx, batch, len(users))
}

const upsertRoleQuery = `
INSERT INTO graph_roles (
    tenant_id, source_system, source_role_id, name, description, role_type,
    parent_role_id, is_critical, risk_level
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (tenant_id, source_system, source_role_id) DO UPDATE SET
    name = EXCLUDED.name,
    description = EXCLUDED.description,
    role_type = EXCLUDED.role_type,
    parent_role_id = EXCLUDED.parent_role_id,
    is_critical = EXCLUDED.is_critical,
    risk_level = EXCLUDED.risk_level,
    updated_at = now()`

// UpsertRoles writes roles idempotently per natural key.
func (r *Repository) UpsertRoles(ctx context.Context, tenantID int64, roles []Role) (int, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("graph repo not initialised")
	}
	batch := &pgx.Batch{}
	for _, role := range roles {
		batch.Queue(upsertRoleQuery,
			tenantID, role.SourceSystem, role.SourceRoleID, role.Name, role.Description,
			role.Type, role.ParentRoleID, role.IsCritical, role.RiskLevel,
		)
	}
	return r.sendBatch(ctx, batch, len(roles))
}

const upsertPermissionQuery = `
INSERT INTO graph_permissions (
    tenant_id, source_system, source_permission_id, name, action, object, scope
) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (tenant_id, source_system, source_permission_id) DO UPDATE SET
    name = EXCLUDED.name,
    action = EXCLUDED.action,
    object = EXCLUDED.object,
    scope = EXCLUDED.scope,
    updated_at = now()`

// UpsertPermissions writes permissions idempotently per natural key.
func (r *Repository) UpsertPermissions(ctx context.Context, tenantID int64, perms []Permission) (int, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("graph repo not initialised")
	}
	batch := &pgx.Batch{}
	for _, p := range perms {
		scope, err := json.Marshal(p.Scope)
		if err != nil {
			return 0, fmt.Errorf("graph: marshal scope for %s: %w", p.SourcePermissionID, err)
		}
		batch.Queue(upsertPermissionQuery,
			tenantID, p.SourceSystem, p.SourcePermissionID, p.Name, p.Action, p.Object, scope,
		)
	}
	return r.sendBatch(ctx, batch, len(perms))
}

const upsertAssignmentQuery = `
INSERT INTO graph_assignments (
    tenant_id, user_id, role_id, assignment_type, valid_from, valid_to,
    scope_override, is_active
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (tenant_id, user_id, role_id, assignment_type) DO UPDATE SET
    valid_from = EXCLUDED.valid_from,
    valid_to = EXCLUDED.valid_to,
    scope_override = EXCLUDED.scope_override,
    is_active = EXCLUDED.is_active,
    updated_at = now()`

// UpsertAssignments writes user-role edges idempotently per (user, role, type).
func (r *Repository) UpsertAssignments(ctx context.Context, tenantID int64, assignments []Assignment) (int, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("graph repo not initialised")
	}
	batch := &pgx.Batch{}
	for _, a := range assignments {
		scope, err := json.Marshal(a.ScopeOverride)
		if err != nil {
			return 0, fmt.Errorf("graph: marshal scope override for user %d: %w", a.UserID, err)
		}
		batch.Queue(upsertAssignmentQuery,
			tenantID, a.UserID, a.RoleID, a.Type, a.ValidFrom, a.ValidTo, scope, a.IsActive,
		)
	}
	return r.sendBatch(ctx, batch, len(assignments))
}

const upsertRolePermissionQuery = `
INSERT INTO graph_role_permissions (tenant_id, role_id, permission_id)
VALUES ($1, $2, $3)
ON CONFLICT (tenant_id, role_id, permission_id) DO NOTHING`

// UpsertRolePermissions writes role->permission links idempotently.
func (r *Repository) UpsertRolePermissions(ctx context.Context, tenantID int64, links []RolePermission) (int, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("graph repo not initialised")
	}
	batch := &pgx.Batch{}
	for _, l := range links {
		batch.Queue(upsertRolePermissionQuery, tenantID, l.RoleID, l.PermissionID)
	}
	return r.sendBatch(ctx, batch, len(links))
}

// MarkUsersAbsent soft-deactivates users of a system whose rows were not
// touched by the sync that started at syncStart. Rows are never deleted.
func (r *Repository) MarkUsersAbsent(ctx context.Context, tenantID int64, system string, syncStart time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("graph repo not initialised")
	}
	tag, err := r.db.Exec(ctx, `
UPDATE graph_users SET is_active = false, updated_at = now()
WHERE tenant_id = $1 AND source_system = $2 AND is_active AND updated_at < $3`,
		tenantID, system, syncStart)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MarkAssignmentsAbsent soft-deactivates assignments not touched by the sync
// that started at syncStart.
func (r *Repository) MarkAssignmentsAbsent(ctx context.Context, tenantID int64, syncStart time.Time) (int64, error) {
	if r == nil || r.db == nil {
		return 0, fmt.Errorf("graph repo not initialised")
	}
	tag, err := r.db.Exec(ctx, `
UPDATE graph_assignments SET is_active = false, updated_at = now()
WHERE tenant_id = $1 AND is_active AND updated_at < $2`,
		tenantID, syncStart)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

const listUsersQuery = `
SELECT id, tenant_id, source_system, source_user_id, username, email, user_type,
       department, cost_center, org_unit, is_active, is_locked, source_payload,
       created_at, updated_at
FROM graph_users
WHERE tenant_id = $1
  AND ($2::text[] IS NULL OR source_system = ANY($2))
  AND ($3::text[] IS NULL OR org_unit = ANY($3))
  AND ($4::text[] IS NULL OR user_type = ANY($4))
  AND ($5::bigint[] IS NULL OR id = ANY($5))
  AND ($6::boolean OR is_active)
ORDER BY id`

// ListUsers returns users matching the scope.
func (r *Repository) ListUsers(ctx context.Context, tenantID int64, scope Scope) ([]User, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("graph repo not initialised")
	}
	rows, err := r.db.Query(ctx, listUsersQuery, tenantID,
		textArray(scope.Systems), textArray(scope.OrgUnits), textArray(scope.UserTypes),
		int64Array(scope.UserIDs), scope.IncludeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.TenantID, &u.SourceSystem, &u.SourceUserID, &u.Username,
			&u.Email, &u.UserType, &u.Department, &u.CostCenter, &u.OrgUnit,
			&u.IsActive, &u.IsLocked, &u.SourcePayload, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

const listRolesQuery = `
SELECT id, tenant_id, source_system, source_role_id, name, description, role_type,
       parent_role_id, is_critical, risk_level, created_at, updated_at
FROM graph_roles
WHERE tenant_id = $1
  AND ($2::text[] IS NULL OR source_system = ANY($2))
ORDER BY id`

// ListRoles returns roles for the tenant, optionally restricted by system.
func (r *Repository) ListRoles(ctx context.Context, tenantID int64, systems []string) ([]Role, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("graph repo not initialised")
	}
	rows, err := r.db.Query(ctx, listRolesQuery, tenantID, textArray(systems))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []Role
	for rows.Next() {
		var role Role
		if err := rows.Scan(&role.ID, &role.TenantID, &role.SourceSystem, &role.SourceRoleID,
			&role.Name, &role.Description, &role.Type, &role.ParentRoleID,
			&role.IsCritical, &role.RiskLevel, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

const listPermissionsQuery = `
SELECT id, tenant_id, source_system, source_permission_id, name, action, object,
       scope, created_at, updated_at
FROM graph_permissions
WHERE tenant_id = $1
  AND ($2::text[] IS NULL OR source_system = ANY($2))
ORDER BY id`

// ListPermissions returns permissions for the tenant.
func (r *Repository) ListPermissions(ctx context.Context, tenantID int64, systems []string) ([]Permission, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("graph repo not initialised")
	}
	rows, err := r.db.Query(ctx, listPermissionsQuery, tenantID, textArray(systems))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var perms []Permission
	for rows.Next() {
		var p Permission
		var scope []byte
		if err := rows.Scan(&p.ID, &p.TenantID, &p.SourceSystem, &p.SourcePermissionID,
			&p.Name, &p.Action, &p.Object, &scope, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if len(scope) > 0 {
			if err := json.Unmarshal(scope, &p.Scope); err != nil {
				return nil, fmt.Errorf("graph: decode scope for permission %d: %w", p.ID, err)
			}
		}
		perms = append(perms, p)
	}
	return perms, rows.Err()
}

const listAssignmentsQuery = `
SELECT id, tenant_id, user_id, role_id, assignment_type, valid_from, valid_to,
       scope_override, is_active, created_at, updated_at
FROM graph_assignments
WHERE tenant_id = $1
  AND ($2::bigint[] IS NULL OR user_id = ANY($2))
  AND ($3::boolean OR is_active)
ORDER BY id`

// ListAssignments returns assignments for the tenant, optionally restricted to users.
func (r *Repository) ListAssignments(ctx context.Context, tenantID int64, userIDs []int64, includeInactive bool) ([]Assignment, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("graph repo not initialised")
	}
	rows, err := r.db.Query(ctx, listAssignmentsQuery, tenantID, int64Array(userIDs), includeInactive)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var assignments []Assignment
	for rows.Next() {
		var a Assignment
		var scope []byte
		if err := rows.Scan(&a.ID, &a.TenantID, &a.UserID, &a.RoleID, &a.Type,
			&a.ValidFrom, &a.ValidTo, &scope, &a.IsActive, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, err
		}
		if len(scope) > 0 {
			if err := json.Unmarshal(scope, &a.ScopeOverride); err != nil {
				return nil, fmt.Errorf("graph: decode scope override for assignment %d: %w", a.ID, err)
			}
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

const listRolePermissionsQuery = `
SELECT tenant_id, role_id, permission_id
FROM graph_role_permissions
WHERE tenant_id = $1
ORDER BY role_id, permission_id`

// ListRolePermissions returns all role->permission links for the tenant.
func (r *Repository) ListRolePermissions(ctx context.Context, tenantID int64) ([]RolePermission, error) {
	if r == nil || r.db == nil {
		return nil, fmt.Errorf("graph repo not initialised")
	}
	rows, err := r.db.Query(ctx, listRolePermissionsQuery, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var links []RolePermission
	for rows.Next() {
		var l RolePermission
		if err := rows.Scan(&l.TenantID, &l.RoleID, &l.PermissionID); err != nil {
			return nil, err
		}
		links = append(links, l)
	}
	return links, rows.Err()
}

func (r *Repository) sendBatch(ctx context.Context, batch *pgx.Batch, n int) (int, error) {
	if n == 0 {
		return 0, nil
	}
	results := r.db.SendBatch(ctx, batch)
	defer func() {
		_ = results.Close()
	}()
	for i := 0; i < n; i++ {
		if _, err := results.Exec(); err != nil {
			return i, fmt.Errorf("graph: batch item %d: %w", i, err)
		}
	}
	return n, nil
}

func payloadOrNull(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func textArray(values []string) any {
	if len(values) == 0 {
		return nil
	}
	return values
}

func int64Array(values []int64) any {
	if len(values) == 0 {
		return nil
	}
	return values
}
