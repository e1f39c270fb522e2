package graph

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/aegis-grc/aegis/internal/shared"
)

// RepositoryPort defines the reads the loader needs.
type RepositoryPort interface {
	ListUsers(ctx context.Context, tenantID int64, scope Scope) ([]User, error)
	ListRoles(ctx context.Context, tenantID int64, systems []string) ([]Role, error)
	ListPermissions(ctx context.Context, tenantID int64, systems []string) ([]Permission, error)
	ListAssignments(ctx context.Context, tenantID int64, userIDs []int64, includeInactive bool) ([]Assignment, error)
	ListRolePermissions(ctx context.Context, tenantID int64) ([]RolePermission, error)
}

// Loader assembles a tenant's access graph from the store. The five
// collections are independent reads and are fetched concurrently.
type Loader struct {
	repo   RepositoryPort
	logger *slog.Logger
}

// NewLoader constructs a loader.
func NewLoader(repo RepositoryPort, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{repo: repo, logger: logger}
}

// Load fetches the scoped graph for a tenant. Roles with self-referential
// composite parent chains are skipped with a warning; assignments pointing at
// users or roles outside the loaded scope are dropped.
func (l *Loader) Load(ctx context.Context, tenantID int64, scope Scope) (Graph, error) {
	if l == nil || l.repo == nil {
		return Graph{}, fmt.Errorf("graph loader not initialised")
	}
	if tenantID <= 0 {
		return Graph{}, fmt.Errorf("graph: tenant id %d: %w", tenantID, shared.ErrTenantRequired)
	}

	var (
		users       []User
		roles       []Role
		permissions []Permission
		assignments []Assignment
		links       []RolePermission
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = l.repo.ListUsers(gctx, tenantID, scope)
		return err
	})
	g.Go(func() error {
		var err error
		roles, err = l.repo.ListRoles(gctx, tenantID, scope.Systems)
		return err
	})
	g.Go(func() error {
		var err error
		permissions, err = l.repo.ListPermissions(gctx, tenantID, scope.Systems)
		return err
	})
	g.Go(func() error {
		var err error
		assignments, err = l.repo.ListAssignments(gctx, tenantID, scope.UserIDs, scope.IncludeInactive)
		return err
	})
	g.Go(func() error {
		var err error
		links, err = l.repo.ListRolePermissions(gctx, tenantID)
		return err
	})
	if err := g.Wait(); err != nil {
		return Graph{}, fmt.Errorf("graph: load tenant %d: %w", tenantID, err)
	}

	roles = l.dropCyclicRoles(tenantID, roles)

	roleSet := make(map[int64]struct{}, len(roles))
	for _, r := range roles {
		roleSet[r.ID] = struct{}{}
	}
	userSet := make(map[int64]struct{}, len(users))
	for _, u := range users {
		userSet[u.ID] = struct{}{}
	}

	kept := assignments[:0]
	for _, a := range assignments {
		if _, ok := userSet[a.UserID]; !ok {
			continue
		}
		if _, ok := roleSet[a.RoleID]; !ok {
			continue
		}
		kept = append(kept, a)
	}

	keptLinks := links[:0]
	for _, link := range links {
		if _, ok := roleSet[link.RoleID]; ok {
			keptLinks = append(keptLinks, link)
		}
	}

	return Graph{
		TenantID:        tenantID,
		Users:           users,
		Roles:           roles,
		Permissions:     permissions,
		Assignments:     kept,
		RolePermissions: keptLinks,
	}, nil
}

// dropCyclicRoles removes composite roles whose parent chain loops back to
// themselves. A skipped role is a partial-data condition, not a load failure.
func (l *Loader) dropCyclicRoles(tenantID int64, roles []Role) []Role {
	byID := make(map[int64]Role, len(roles))
	for _, r := range roles {
		byID[r.ID] = r
	}
	kept := roles[:0]
	for _, r := range roles {
		if hasParentCycle(r, byID) {
			l.logger.Warn("skipping role with self-referential parent chain",
				slog.Int64("tenant_id", tenantID),
				slog.Int64("role_id", r.ID),
				slog.String("role", r.Name),
			)
			continue
		}
		kept = append(kept, r)
	}
	return kept
}

func hasParentCycle(r Role, byID map[int64]Role) bool {
	seen := map[int64]struct{}{r.ID: {}}
	cur := r
	for cur.ParentRoleID != nil {
		parent, ok := byID[*cur.ParentRoleID]
		if !ok {
			return false
		}
		if _, dup := seen[parent.ID]; dup {
			return true
		}
		seen[parent.ID] = struct{}{}
		cur = parent
	}
	return false
}
