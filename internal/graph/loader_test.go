package graph

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type memoryGraphRepo struct {
	users       []User
	roles       []Role
	permissions []Permission
	assignments []Assignment
	links       []RolePermission
	usersErr    error
}

func (r *memoryGraphRepo) ListUsers(ctx context.Context, tenantID int64, scope Scope) ([]User, error) {
	return r.users, r.usersErr
}

func (r *memoryGraphRepo) ListRoles(ctx context.Context, tenantID int64, systems []string) ([]Role, error) {
	return r.roles, nil
}

func (r *memoryGraphRepo) ListPermissions(ctx context.Context, tenantID int64, systems []string) ([]Permission, error) {
	return r.permissions, nil
}

func (r *memoryGraphRepo) ListAssignments(ctx context.Context, tenantID int64, userIDs []int64, includeInactive bool) ([]Assignment, error) {
	return r.assignments, nil
}

func (r *memoryGraphRepo) ListRolePermissions(ctx context.Context, tenantID int64) ([]RolePermission, error) {
	return r.links, nil
}

func TestLoadAssemblesGraph(t *testing.T) {
	repo := &memoryGraphRepo{
		users:       []User{{ID: 1, SourceSystem: "SAP", SourceUserID: "u1"}},
		roles:       []Role{{ID: 10, Name: "Buyer"}},
		permissions: []Permission{{ID: 100}},
		assignments: []Assignment{{ID: 1, UserID: 1, RoleID: 10}},
		links:       []RolePermission{{RoleID: 10, PermissionID: 100}},
	}
	loader := NewLoader(repo, nil)

	g, err := loader.Load(context.Background(), 7, Scope{})
	require.NoError(t, err)
	require.Equal(t, int64(7), g.TenantID)
	require.Len(t, g.Users, 1)
	require.Len(t, g.Roles, 1)
	require.Len(t, g.Assignments, 1)
	require.Len(t, g.RolePermissions, 1)
}

func TestLoadDropsCyclicRoles(t *testing.T) {
	parentOf := func(id int64) *int64 { return &id }
	repo := &memoryGraphRepo{
		users: []User{{ID: 1}},
		roles: []Role{
			{ID: 10, Name: "A", Type: RoleComposite, ParentRoleID: parentOf(20)},
			{ID: 20, Name: "B", Type: RoleComposite, ParentRoleID: parentOf(10)},
			{ID: 30, Name: "Standalone", Type: RoleSingle},
		},
		assignments: []Assignment{
			{ID: 1, UserID: 1, RoleID: 10},
			{ID: 2, UserID: 1, RoleID: 30},
		},
	}
	loader := NewLoader(repo, nil)

	g, err := loader.Load(context.Background(), 1, Scope{})
	require.NoError(t, err)
	require.Len(t, g.Roles, 1)
	require.Equal(t, "Standalone", g.Roles[0].Name)
	// The assignment pointing at the dropped cyclic role goes with it.
	require.Len(t, g.Assignments, 1)
	require.Equal(t, int64(30), g.Assignments[0].RoleID)
}

func TestLoadDropsDanglingEdges(t *testing.T) {
	repo := &memoryGraphRepo{
		users: []User{{ID: 1}},
		roles: []Role{{ID: 10}},
		assignments: []Assignment{
			{ID: 1, UserID: 1, RoleID: 10},
			{ID: 2, UserID: 99, RoleID: 10},
			{ID: 3, UserID: 1, RoleID: 99},
		},
		links: []RolePermission{
			{RoleID: 10, PermissionID: 100},
			{RoleID: 99, PermissionID: 100},
		},
	}
	loader := NewLoader(repo, nil)

	g, err := loader.Load(context.Background(), 1, Scope{})
	require.NoError(t, err)
	require.Len(t, g.Assignments, 1)
	require.Len(t, g.RolePermissions, 1)
}

func TestLoadPropagatesRepoError(t *testing.T) {
	repo := &memoryGraphRepo{usersErr: errors.New("connection reset")}
	loader := NewLoader(repo, nil)

	_, err := loader.Load(context.Background(), 1, Scope{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "connection reset")
}

func TestAssignmentValidAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	yesterday := now.Add(-24 * time.Hour)
	tomorrow := now.Add(24 * time.Hour)

	open := Assignment{}
	require.True(t, open.ValidAt(now))

	expired := Assignment{ValidTo: &yesterday}
	require.False(t, expired.ValidAt(now))

	future := Assignment{ValidFrom: &tomorrow}
	require.False(t, future.ValidAt(now))

	window := Assignment{ValidFrom: &yesterday, ValidTo: &tomorrow}
	require.True(t, window.ValidAt(now))
}
