package snapshot

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/aegis-grc/aegis/internal/graph"
)

var snapNow = time.Date(2026, 3, 1, 2, 30, 0, 0, time.UTC)

type memorySnapshotRepo struct {
	snapshots map[uuid.UUID]Snapshot
	deltas    []Delta
	nextID    int64
}

func newMemorySnapshotRepo() *memorySnapshotRepo {
	return &memorySnapshotRepo{snapshots: make(map[uuid.UUID]Snapshot)}
}

func (r *memorySnapshotRepo) Insert(ctx context.Context, s Snapshot) error {
	r.snapshots[s.ID] = s
	return nil
}

func (r *memorySnapshotRepo) Get(ctx context.Context, id uuid.UUID) (Snapshot, error) {
	s, ok := r.snapshots[id]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	return s, nil
}

func (r *memorySnapshotRepo) List(ctx context.Context, tenantID int64, limit int) ([]Meta, error) {
	var metas []Meta
	for _, s := range r.snapshots {
		if s.TenantID == tenantID {
			metas = append(metas, s.Meta())
		}
	}
	return metas, nil
}

func (r *memorySnapshotRepo) InsertDeltas(ctx context.Context, deltas []Delta) ([]Delta, error) {
	stored := make([]Delta, 0, len(deltas))
	for _, d := range deltas {
		r.nextID++
		d.ID = r.nextID
		r.deltas = append(r.deltas, d)
		stored = append(stored, d)
	}
	return stored, nil
}

func (r *memorySnapshotRepo) ListDeltas(ctx context.Context, tenantID int64, fromID, toID uuid.UUID) ([]Delta, error) {
	var out []Delta
	for _, d := range r.deltas {
		if d.TenantID == tenantID && d.FromSnapshotID == fromID && d.ToSnapshotID == toID {
			out = append(out, d)
		}
	}
	return out, nil
}

type stubGraphLoader struct {
	g   graph.Graph
	err error
}

func (l *stubGraphLoader) Load(ctx context.Context, tenantID int64, scope graph.Scope) (graph.Graph, error) {
	return l.g, l.err
}

func baselineGraph() graph.Graph {
	return graph.Graph{
		TenantID: 1,
		Users: []graph.User{
			{ID: 1, TenantID: 1, SourceSystem: "SAP", SourceUserID: "jdoe"},
			{ID: 2, TenantID: 1, SourceSystem: "SAP", SourceUserID: "asmith"},
		},
		Roles: []graph.Role{
			{ID: 10, TenantID: 1, SourceSystem: "SAP", SourceRoleID: "BUYER"},
			{ID: 20, TenantID: 1, SourceSystem: "SAP", SourceRoleID: "APPROVER"},
		},
		Permissions: []graph.Permission{{ID: 100, TenantID: 1}},
		Assignments: []graph.Assignment{
			{ID: 1, TenantID: 1, UserID: 1, RoleID: 10},
		},
	}
}

func newTestService(t *testing.T, repo RepositoryPort, loader GraphLoader) *Service {
	t.Helper()
	svc := NewService(repo, loader, nil)
	svc.WithClock(func() time.Time { return snapNow })
	var seq int
	svc.WithIDGenerator(func() uuid.UUID {
		seq++
		return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", seq))
	})
	return svc
}

func TestCreateComputesTotalsAndHash(t *testing.T) {
	repo := newMemorySnapshotRepo()
	svc := newTestService(t, repo, &stubGraphLoader{g: baselineGraph()})

	snap, err := svc.Create(context.Background(), 1, TriggerOnDemand, "auditor")
	require.NoError(t, err)
	require.Equal(t, len(snap.Graph.Users), snap.TotalUsers)
	require.Equal(t, len(snap.Graph.Roles), snap.TotalRoles)
	require.Equal(t, len(snap.Graph.Assignments), snap.TotalAssignments)
	require.Equal(t, len(snap.Graph.Permissions), snap.TotalPermissions)
	require.Len(t, snap.ContentHash, 64)
	require.Contains(t, repo.snapshots, snap.ID)
}

func TestContentHashDeterministic(t *testing.T) {
	a, err := ComputeHash(baselineGraph())
	require.NoError(t, err)
	b, err := ComputeHash(baselineGraph())
	require.NoError(t, err)
	require.Equal(t, a, b)

	mutated := baselineGraph()
	mutated.Users[0].Username = "renamed"
	c, err := ComputeHash(mutated)
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestDetectDeltas(t *testing.T) {
	repo := newMemorySnapshotRepo()
	loader := &stubGraphLoader{g: baselineGraph()}
	svc := newTestService(t, repo, loader)

	before, err := svc.Create(context.Background(), 1, TriggerScheduled, "scheduler")
	require.NoError(t, err)

	after := baselineGraph()
	// jdoe leaves, a new hire arrives, asmith picks up the approver role.
	after.Users = []graph.User{
		{ID: 2, TenantID: 1, SourceSystem: "SAP", SourceUserID: "asmith"},
		{ID: 3, TenantID: 1, SourceSystem: "SAP", SourceUserID: "newhire"},
	}
	after.Assignments = []graph.Assignment{
		{ID: 2, TenantID: 1, UserID: 2, RoleID: 20},
	}
	loader.g = after
	current, err := svc.Create(context.Background(), 1, TriggerScheduled, "scheduler")
	require.NoError(t, err)

	deltas, err := svc.DetectDeltas(context.Background(), 1, before.ID, current.ID)
	require.NoError(t, err)
	require.Len(t, deltas, 4)

	byType := make(map[DeltaType][]Delta)
	for _, d := range deltas {
		byType[d.Type] = append(byType[d.Type], d)
	}
	require.Len(t, byType[DeltaUserAdded], 1)
	require.Equal(t, "SAP/newhire", byType[DeltaUserAdded][0].UserKey)
	require.Len(t, byType[DeltaUserRemoved], 1)
	require.Equal(t, "SAP/jdoe", byType[DeltaUserRemoved][0].UserKey)
	require.Len(t, byType[DeltaRoleAssigned], 1)
	require.Equal(t, "SAP/asmith", byType[DeltaRoleAssigned][0].UserKey)
	require.Equal(t, "SAP/APPROVER", byType[DeltaRoleAssigned][0].RoleKey)
	require.True(t, byType[DeltaRoleAssigned][0].IntroducesSodRisk)
	require.Len(t, byType[DeltaRoleUnassigned], 1)
	require.Equal(t, "SAP/jdoe", byType[DeltaRoleUnassigned][0].UserKey)
	require.True(t, byType[DeltaRoleUnassigned][0].IntroducesSodRisk)
}

func TestDetectDeltasSymmetry(t *testing.T) {
	repo := newMemorySnapshotRepo()
	loader := &stubGraphLoader{g: baselineGraph()}
	svc := newTestService(t, repo, loader)

	a, err := svc.Create(context.Background(), 1, TriggerScheduled, "scheduler")
	require.NoError(t, err)

	grown := baselineGraph()
	grown.Users = append(grown.Users, graph.User{ID: 3, TenantID: 1, SourceSystem: "SAP", SourceUserID: "newhire"})
	loader.g = grown
	b, err := svc.Create(context.Background(), 1, TriggerScheduled, "scheduler")
	require.NoError(t, err)

	forward, err := svc.DetectDeltas(context.Background(), 1, a.ID, b.ID)
	require.NoError(t, err)
	require.Len(t, forward, 1)
	require.Equal(t, DeltaUserAdded, forward[0].Type)

	backward, err := svc.DetectDeltas(context.Background(), 1, b.ID, a.ID)
	require.NoError(t, err)
	require.Len(t, backward, 1)
	require.Equal(t, DeltaUserRemoved, backward[0].Type)
	require.Equal(t, forward[0].UserKey, backward[0].UserKey)
}

func TestDetectDeltasRejectsCrossTenant(t *testing.T) {
	repo := newMemorySnapshotRepo()
	loader := &stubGraphLoader{g: baselineGraph()}
	svc := newTestService(t, repo, loader)

	mine, err := svc.Create(context.Background(), 1, TriggerOnDemand, "auditor")
	require.NoError(t, err)

	other := baselineGraph()
	other.TenantID = 2
	loader.g = other
	theirs, err := svc.Create(context.Background(), 2, TriggerOnDemand, "auditor")
	require.NoError(t, err)

	_, err = svc.DetectDeltas(context.Background(), 1, mine.ID, theirs.ID)
	require.ErrorIs(t, err, ErrTenantMismatch)
	require.Empty(t, repo.deltas)
}

func TestDetectDeltasUnknownSnapshot(t *testing.T) {
	repo := newMemorySnapshotRepo()
	svc := newTestService(t, repo, &stubGraphLoader{g: baselineGraph()})

	_, err := svc.DetectDeltas(context.Background(), 1, uuid.New(), uuid.New())
	require.ErrorIs(t, err, ErrNotFound)
}
