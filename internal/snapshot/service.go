package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-grc/aegis/internal/graph"
	"github.com/aegis-grc/aegis/internal/observability"
	"github.com/aegis-grc/aegis/internal/shared"
)

// GraphLoader provides the current access graph for a tenant.
type GraphLoader interface {
	Load(ctx context.Context, tenantID int64, scope graph.Scope) (graph.Graph, error)
}

// RepositoryPort defines persistence for snapshots and deltas.
type RepositoryPort interface {
	Insert(ctx context.Context, s Snapshot) error
	Get(ctx context.Context, id uuid.UUID) (Snapshot, error)
	List(ctx context.Context, tenantID int64, limit int) ([]Meta, error)
	InsertDeltas(ctx context.Context, deltas []Delta) ([]Delta, error)
	ListDeltas(ctx context.Context, tenantID int64, fromID, toID uuid.UUID) ([]Delta, error)
}

// Service captures and compares graph states.
type Service struct {
	repo    RepositoryPort
	loader  GraphLoader
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
	newID   func() uuid.UUID
}

// NewService constructs a snapshot service.
func NewService(repo RepositoryPort, loader GraphLoader, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:   repo,
		loader: loader,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.New,
	}
}

// WithMetrics attaches the shared collectors.
func (s *Service) WithMetrics(m *observability.Metrics) {
	s.metrics = m
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// WithIDGenerator overrides snapshot id generation for deterministic tests.
func (s *Service) WithIDGenerator(gen func() uuid.UUID) {
	if gen != nil {
		s.newID = gen
	}
}

// Create captures the tenant's full current graph, inactive rows included,
// as one immutable hashed row.
func (s *Service) Create(ctx context.Context, tenantID int64, trigger TriggerType, triggeredBy string) (Snapshot, error) {
	if s == nil || s.repo == nil || s.loader == nil {
		return Snapshot{}, fmt.Errorf("snapshot service not initialised")
	}
	if tenantID <= 0 {
		return Snapshot{}, fmt.Errorf("snapshot: tenant id %d: %w", tenantID, shared.ErrTenantRequired)
	}
	g, err := s.loader.Load(ctx, tenantID, graph.Scope{IncludeInactive: true})
	if err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: load graph: %w", err)
	}
	snap, err := New(s.newID(), g, trigger, triggeredBy, s.now())
	if err != nil {
		return Snapshot{}, err
	}
	if err := s.repo.Insert(ctx, snap); err != nil {
		return Snapshot{}, fmt.Errorf("snapshot: persist: %w", err)
	}
	s.metrics.ObserveSnapshot(string(trigger))
	s.logger.Info("snapshot captured",
		slog.Int64("tenant_id", tenantID),
		slog.String("snapshot_id", snap.ID.String()),
		slog.String("trigger", string(trigger)),
		slog.Int("users", snap.TotalUsers),
		slog.Int("assignments", snap.TotalAssignments),
	)
	return snap, nil
}

// List returns recent snapshot metadata for the tenant.
func (s *Service) List(ctx context.Context, tenantID int64, limit int) ([]Meta, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("snapshot service not initialised")
	}
	return s.repo.List(ctx, tenantID, limit)
}

// DetectDeltas computes and persists the structural differences between two
// committed snapshots of the same tenant. Cross-tenant comparison fails
// before anything is written. Role definition drift between the snapshots is
// not compared; only users and assignments are diffed.
func (s *Service) DetectDeltas(ctx context.Context, tenantID int64, fromID, toID uuid.UUID) ([]Delta, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("snapshot service not initialised")
	}
	from, err := s.repo.Get(ctx, fromID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load from-snapshot: %w", err)
	}
	to, err := s.repo.Get(ctx, toID)
	if err != nil {
		return nil, fmt.Errorf("snapshot: load to-snapshot: %w", err)
	}
	if from.TenantID != tenantID || to.TenantID != tenantID || from.TenantID != to.TenantID {
		return nil, ErrTenantMismatch
	}

	deltas := diff(from, to, s.now())
	stored, err := s.repo.InsertDeltas(ctx, deltas)
	if err != nil {
		return nil, fmt.Errorf("snapshot: persist deltas: %w", err)
	}
	byType := make(map[DeltaType]int, 4)
	for _, d := range stored {
		byType[d.Type]++
	}
	for change, count := range byType {
		s.metrics.AddDeltas(string(change), count)
	}
	s.logger.Info("deltas detected",
		slog.Int64("tenant_id", tenantID),
		slog.String("from", fromID.String()),
		slog.String("to", toID.String()),
		slog.Int("count", len(stored)),
	)
	return stored, nil
}

// diff computes user and assignment set differences between two snapshots.
func diff(from, to Snapshot, at time.Time) []Delta {
	base := Delta{
		TenantID:       to.TenantID,
		FromSnapshotID: from.ID,
		ToSnapshotID:   to.ID,
		CreatedAt:      at,
	}

	fromUsers := userKeys(from.Graph)
	toUsers := userKeys(to.Graph)

	var deltas []Delta
	for _, key := range sortedMissing(toUsers, fromUsers) {
		d := base
		d.Type = DeltaUserAdded
		d.UserKey = key
		deltas = append(deltas, d)
	}
	for _, key := range sortedMissing(fromUsers, toUsers) {
		d := base
		d.Type = DeltaUserRemoved
		d.UserKey = key
		deltas = append(deltas, d)
	}

	fromPairs := assignmentPairs(from.Graph)
	toPairs := assignmentPairs(to.Graph)
	for _, pair := range sortedMissingPairs(toPairs, fromPairs) {
		d := base
		d.Type = DeltaRoleAssigned
		d.UserKey = pair.userKey
		d.RoleKey = pair.roleKey
		d.IntroducesSodRisk = true
		deltas = append(deltas, d)
	}
	for _, pair := range sortedMissingPairs(fromPairs, toPairs) {
		d := base
		d.Type = DeltaRoleUnassigned
		d.UserKey = pair.userKey
		d.RoleKey = pair.roleKey
		d.IntroducesSodRisk = true
		deltas = append(deltas, d)
	}
	return deltas
}

type pair struct {
	userKey string
	roleKey string
}

func userKeys(g graph.Graph) map[string]struct{} {
	keys := make(map[string]struct{}, len(g.Users))
	for _, u := range g.Users {
		keys[u.NaturalKey()] = struct{}{}
	}
	return keys
}

func assignmentPairs(g graph.Graph) map[pair]struct{} {
	usersByID := make(map[int64]graph.User, len(g.Users))
	for _, u := range g.Users {
		usersByID[u.ID] = u
	}
	rolesByID := make(map[int64]graph.Role, len(g.Roles))
	for _, r := range g.Roles {
		rolesByID[r.ID] = r
	}
	pairs := make(map[pair]struct{}, len(g.Assignments))
	for _, a := range g.Assignments {
		user, okU := usersByID[a.UserID]
		role, okR := rolesByID[a.RoleID]
		if !okU || !okR {
			continue
		}
		pairs[pair{userKey: user.NaturalKey(), roleKey: role.NaturalKey()}] = struct{}{}
	}
	return pairs
}

// sortedMissing returns keys present in a but not in b, sorted.
func sortedMissing(a, b map[string]struct{}) []string {
	var missing []string
	for key := range a {
		if _, ok := b[key]; !ok {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	return missing
}

func sortedMissingPairs(a, b map[pair]struct{}) []pair {
	var missing []pair
	for p := range a {
		if _, ok := b[p]; !ok {
			missing = append(missing, p)
		}
	}
	sort.Slice(missing, func(i, j int) bool {
		if missing[i].userKey != missing[j].userKey {
			return missing[i].userKey < missing[j].userKey
		}
		return missing[i].roleKey < missing[j].roleKey
	})
	return missing
}
