package graph

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis-grc/aegis/internal/platform/db"
	"github.com/aegis-grc/aegis/internal/shared"
)

// AssignmentInput is a connector-supplied user-role edge keyed by source ids.
type AssignmentInput struct {
	SourceUserID  string            `json:"sourceUserId"`
	SourceRoleID  string            `json:"sourceRoleId"`
	Type          AssignmentType    `json:"type"`
	ValidFrom     *time.Time        `json:"validFrom,omitempty"`
	ValidTo       *time.Time        `json:"validTo,omitempty"`
	ScopeOverride map[string]string `json:"scopeOverride,omitempty"`
	IsActive      bool              `json:"isActive"`
}

// RolePermissionInput is a connector-supplied role-permission link keyed by
// source ids.
type RolePermissionInput struct {
	SourceRoleID       string `json:"sourceRoleId"`
	SourcePermissionID string `json:"sourcePermissionId"`
}

// SyncInput is one connector batch for a single source system.
type SyncInput struct {
	System          string                `json:"system"`
	Users           []User                `json:"users"`
	Roles           []Role                `json:"roles"`
	Permissions     []Permission          `json:"permissions"`
	Assignments     []AssignmentInput     `json:"assignments"`
	RolePermissions []RolePermissionInput `json:"rolePermissions"`
}

// SyncResult summarises one committed sync.
type SyncResult struct {
	Users            int   `json:"users"`
	Roles            int   `json:"roles"`
	Permissions      int   `json:"permissions"`
	Assignments      int   `json:"assignments"`
	RolePermissions  int   `json:"rolePermissions"`
	SkippedEdges     int   `json:"skippedEdges"`
	UsersDeactivated int64 `json:"usersDeactivated"`
	EdgesDeactivated int64 `json:"edgesDeactivated"`
}

// Syncer applies connector batches to the graph store. The whole batch,
// including the absent sweep, commits in one transaction: a failed sync leaves
// the previous graph state untouched.
type Syncer struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// NewSyncer constructs a syncer.
func NewSyncer(pool *pgxpool.Pool, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{pool: pool, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock for deterministic tests.
func (s *Syncer) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// Sync upserts one connector batch and soft-deactivates rows the batch no
// longer mentions. Edges referencing unknown users or roles are skipped with
// a warning rather than failing the batch.
func (s *Syncer) Sync(ctx context.Context, tenantID int64, input SyncInput) (SyncResult, error) {
	if s == nil || s.pool == nil {
		return SyncResult{}, fmt.Errorf("graph syncer not initialised")
	}
	if tenantID <= 0 {
		return SyncResult{}, fmt.Errorf("graph: tenant id %d: %w", tenantID, shared.ErrTenantRequired)
	}
	if input.System == "" {
		return SyncResult{}, fmt.Errorf("graph: sync batch missing source system")
	}
	for i := range input.Users {
		input.Users[i].SourceSystem = input.System
	}
	for i := range input.Roles {
		input.Roles[i].SourceSystem = input.System
	}
	for i := range input.Permissions {
		input.Permissions[i].SourceSystem = input.System
	}

	syncStart := s.now()
	var result SyncResult
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		repo := NewRepository(tx)

		n, err := repo.UpsertUsers(ctx, tenantID, input.Users)
		if err != nil {
			return fmt.Errorf("graph: sync users: %w", err)
		}
		result.Users = n
		n, err = repo.UpsertRoles(ctx, tenantID, input.Roles)
		if err != nil {
			return fmt.Errorf("graph: sync roles: %w", err)
		}
		result.Roles = n
		n, err = repo.UpsertPermissions(ctx, tenantID, input.Permissions)
		if err != nil {
			return fmt.Errorf("graph: sync permissions: %w", err)
		}
		result.Permissions = n

		scope := Scope{Systems: []string{input.System}, IncludeInactive: true}
		users, err := repo.ListUsers(ctx, tenantID, scope)
		if err != nil {
			return fmt.Errorf("graph: resolve synced users: %w", err)
		}
		roles, err := repo.ListRoles(ctx, tenantID, scope.Systems)
		if err != nil {
			return fmt.Errorf("graph: resolve synced roles: %w", err)
		}
		perms, err := repo.ListPermissions(ctx, tenantID, scope.Systems)
		if err != nil {
			return fmt.Errorf("graph: resolve synced permissions: %w", err)
		}
		userIDs := make(map[string]int64, len(users))
		for _, u := range users {
			userIDs[u.SourceUserID] = u.ID
		}
		roleIDs := make(map[string]int64, len(roles))
		for _, role := range roles {
			roleIDs[role.SourceRoleID] = role.ID
		}
		permIDs := make(map[string]int64, len(perms))
		for _, p := range perms {
			permIDs[p.SourcePermissionID] = p.ID
		}

		assignments := make([]Assignment, 0, len(input.Assignments))
		for _, in := range input.Assignments {
			userID, okU := userIDs[in.SourceUserID]
			roleID, okR := roleIDs[in.SourceRoleID]
			if !okU || !okR {
				s.logger.Warn("skipping assignment with unresolved endpoints",
					slog.Int64("tenant_id", tenantID),
					slog.String("source_user_id", in.SourceUserID),
					slog.String("source_role_id", in.SourceRoleID),
				)
				result.SkippedEdges++
				continue
			}
			assignments = append(assignments, Assignment{
				UserID:        userID,
				RoleID:        roleID,
				Type:          in.Type,
				ValidFrom:     in.ValidFrom,
				ValidTo:       in.ValidTo,
				ScopeOverride: in.ScopeOverride,
				IsActive:      in.IsActive,
			})
		}
		n, err = repo.UpsertAssignments(ctx, tenantID, assignments)
		if err != nil {
			return fmt.Errorf("graph: sync assignments: %w", err)
		}
		result.Assignments = n

		links := make([]RolePermission, 0, len(input.RolePermissions))
		for _, in := range input.RolePermissions {
			roleID, okR := roleIDs[in.SourceRoleID]
			permID, okP := permIDs[in.SourcePermissionID]
			if !okR || !okP {
				s.logger.Warn("skipping role permission with unresolved endpoints",
					slog.Int64("tenant_id", tenantID),
					slog.String("source_role_id", in.SourceRoleID),
					slog.String("source_permission_id", in.SourcePermissionID),
				)
				result.SkippedEdges++
				continue
			}
			links = append(links, RolePermission{RoleID: roleID, PermissionID: permID})
		}
		n, err = repo.UpsertRolePermissions(ctx, tenantID, links)
		if err != nil {
			return fmt.Errorf("graph: sync role permissions: %w", err)
		}
		result.RolePermissions = n

		result.UsersDeactivated, err = repo.MarkUsersAbsent(ctx, tenantID, input.System, syncStart)
		if err != nil {
			return fmt.Errorf("graph: sweep absent users: %w", err)
		}
		result.EdgesDeactivated, err = repo.MarkAssignmentsAbsent(ctx, tenantID, syncStart)
		if err != nil {
			return fmt.Errorf("graph: sweep absent assignments: %w", err)
		}
		return nil
	})
	if err != nil {
		return SyncResult{}, err
	}
	s.logger.Info("graph sync committed",
		slog.Int64("tenant_id", tenantID),
		slog.String("system", input.System),
		slog.Int("users", result.Users),
		slog.Int("assignments", result.Assignments),
		slog.Int("skipped_edges", result.SkippedEdges),
		slog.Int64("users_deactivated", result.UsersDeactivated),
	)
	return result, nil
}
