// Package analysis orchestrates conflict detection runs: it loads the active
// rules and the scoped access graph, evaluates them, and persists both the
// findings and an auditable run record.
package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aegis-grc/aegis/internal/engine"
	"github.com/aegis-grc/aegis/internal/findings"
	"github.com/aegis-grc/aegis/internal/graph"
	"github.com/aegis-grc/aegis/internal/observability"
	"github.com/aegis-grc/aegis/internal/rules"
	"github.com/aegis-grc/aegis/internal/shared"
	"github.com/aegis-grc/aegis/internal/snapshot"
)

// RunStore persists run records.
type RunStore interface {
	InsertRunning(ctx context.Context, run Run) error
	Finish(ctx context.Context, run Run) error
	Get(ctx context.Context, tenantID int64, id uuid.UUID) (Run, error)
	List(ctx context.Context, tenantID int64, limit int) ([]Run, error)
}

// RuleLoader resolves the active rule tuples for a tenant.
type RuleLoader interface {
	LoadActive(ctx context.Context, tenantID int64) ([]rules.Rule, error)
}

// GraphLoader assembles the scoped access graph.
type GraphLoader interface {
	Load(ctx context.Context, tenantID int64, scope graph.Scope) (graph.Graph, error)
}

// Evaluator runs rules against a graph.
type Evaluator interface {
	Evaluate(ctx context.Context, g graph.Graph, active []rules.Rule, opts engine.Options) (engine.Result, error)
}

// FindingStore deduplicates and persists findings.
type FindingStore interface {
	Upsert(ctx context.Context, f findings.Finding) (findings.Finding, error)
}

// DeltaSource provides the snapshot comparisons backing delta-mode runs.
type DeltaSource interface {
	List(ctx context.Context, tenantID int64, limit int) ([]snapshot.Meta, error)
	DetectDeltas(ctx context.Context, tenantID int64, fromID, toID uuid.UUID) ([]snapshot.Delta, error)
}

// ReportInvalidator drops cached reports after a run changes the findings.
type ReportInvalidator interface {
	InvalidateReports(ctx context.Context, tenantID int64)
}

// Service orchestrates analysis runs.
type Service struct {
	runs     RunStore
	ruleLdr  RuleLoader
	graphLdr GraphLoader
	eval     Evaluator
	store    FindingStore
	deltas   DeltaSource
	reports  ReportInvalidator
	metrics  *observability.Metrics
	logger   *slog.Logger
	now      func() time.Time
	newID    func() uuid.UUID
}

// NewService constructs the orchestrator. deltas, reports and metrics are
// optional; delta-mode runs fail without a delta source.
func NewService(runs RunStore, ruleLdr RuleLoader, graphLdr GraphLoader, eval Evaluator, store FindingStore, deltas DeltaSource, reports ReportInvalidator, metrics *observability.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		runs:     runs,
		ruleLdr:  ruleLdr,
		graphLdr: graphLdr,
		eval:     eval,
		store:    store,
		deltas:   deltas,
		reports:  reports,
		metrics:  metrics,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.New,
	}
}

// WithClock overrides the clock for deterministic tests.
func (s *Service) WithClock(clock func() time.Time) {
	if clock != nil {
		s.now = clock
	}
}

// WithIDGenerator overrides run id generation for deterministic tests.
func (s *Service) WithIDGenerator(gen func() uuid.UUID) {
	if gen != nil {
		s.newID = gen
	}
}

// Analyze executes one run end to end. The RUNNING record is committed before
// any work happens, so a crash mid-run still leaves an auditable row. Any
// failure after that point marks the run FAILED with the error message and
// returns the error.
func (s *Service) Analyze(ctx context.Context, tenantID int64, mode Mode, cfg Config) (Result, error) {
	if s == nil || s.runs == nil {
		return Result{}, fmt.Errorf("analysis service not initialised")
	}
	if tenantID <= 0 {
		return Result{}, fmt.Errorf("analysis: tenant id %d: %w", tenantID, shared.ErrTenantRequired)
	}
	if !mode.Valid() {
		return Result{}, fmt.Errorf("analysis: unknown mode %q", mode)
	}
	for _, sev := range cfg.RiskLevels {
		if !sev.Valid() {
			return Result{}, fmt.Errorf("analysis: unknown risk level %q", sev)
		}
	}

	run := Run{
		ID:        s.newID(),
		TenantID:  tenantID,
		Mode:      mode,
		Status:    RunRunning,
		Config:    cfg,
		StartedAt: s.now(),
	}
	if err := s.runs.InsertRunning(ctx, run); err != nil {
		return Result{}, fmt.Errorf("analysis: record run: %w", err)
	}

	stored, res, err := s.execute(ctx, tenantID, mode, cfg, &run)
	finished := s.now()
	run.FinishedAt = &finished
	run.DurationMS = finished.Sub(run.StartedAt).Milliseconds()
	if err != nil {
		run.Status = RunFailed
		run.ErrorMessage = err.Error()
		if ferr := s.runs.Finish(ctx, run); ferr != nil {
			s.logger.Error("finalize failed run", slog.String("run_id", run.ID.String()), slog.Any("error", ferr))
		}
		s.metrics.ObserveRun(string(RunFailed), string(mode), finished.Sub(run.StartedAt))
		s.logger.Error("analysis run failed",
			slog.Int64("tenant_id", tenantID),
			slog.String("run_id", run.ID.String()),
			slog.String("mode", string(mode)),
			slog.Any("error", err),
		)
		return Result{}, err
	}

	run.Status = RunCompleted
	run.UsersEvaluated = res.UsersEvaluated
	run.RulesEvaluated = res.RulesEvaluated
	run.RulesSkipped = res.RulesSkipped
	run.countBySeverity(stored)
	if err := s.runs.Finish(ctx, run); err != nil {
		return Result{}, fmt.Errorf("analysis: finalize run: %w", err)
	}
	s.metrics.ObserveRun(string(RunCompleted), string(mode), finished.Sub(run.StartedAt))
	s.metrics.AddFindings(string(rules.SeverityCritical), run.CriticalCount)
	s.metrics.AddFindings(string(rules.SeverityHigh), run.HighCount)
	s.metrics.AddFindings(string(rules.SeverityMedium), run.MediumCount)
	s.metrics.AddFindings(string(rules.SeverityLow), run.LowCount)
	if s.reports != nil {
		s.reports.InvalidateReports(ctx, tenantID)
	}
	s.logger.Info("analysis run completed",
		slog.Int64("tenant_id", tenantID),
		slog.String("run_id", run.ID.String()),
		slog.String("mode", string(mode)),
		slog.Int("users", run.UsersEvaluated),
		slog.Int("rules", run.RulesEvaluated),
		slog.Int("findings", run.TotalFindings),
		slog.Int64("duration_ms", run.DurationMS),
	)
	return Result{Run: run, Findings: stored}, nil
}

// AnalyzeUser runs a single-user on-demand check by scoping a snapshot-mode
// run to one user id.
func (s *Service) AnalyzeUser(ctx context.Context, tenantID, userID int64) (UserResult, error) {
	if userID <= 0 {
		return UserResult{}, fmt.Errorf("analysis: invalid user id %d", userID)
	}
	cfg := Config{Scope: graph.Scope{UserIDs: []int64{userID}}}
	res, err := s.Analyze(ctx, tenantID, ModeSnapshot, cfg)
	if err != nil {
		return UserResult{}, err
	}
	return UserResult{
		Run:            res.Run,
		UserID:         userID,
		ViolationCount: len(res.Findings),
		Findings:       res.Findings,
	}, nil
}

// GetRun loads one run record for the tenant.
func (s *Service) GetRun(ctx context.Context, tenantID int64, id uuid.UUID) (Run, error) {
	if s == nil || s.runs == nil {
		return Run{}, fmt.Errorf("analysis service not initialised")
	}
	return s.runs.Get(ctx, tenantID, id)
}

// ListRuns returns recent runs for the tenant, newest first.
func (s *Service) ListRuns(ctx context.Context, tenantID int64, limit int) ([]Run, error) {
	if s == nil || s.runs == nil {
		return nil, fmt.Errorf("analysis service not initialised")
	}
	return s.runs.List(ctx, tenantID, limit)
}

// execute performs the loaded-rules, loaded-graph, evaluate, persist sequence.
func (s *Service) execute(ctx context.Context, tenantID int64, mode Mode, cfg Config, run *Run) ([]findings.Finding, engine.Result, error) {
	if s.ruleLdr == nil || s.graphLdr == nil || s.eval == nil || s.store == nil {
		return nil, engine.Result{}, fmt.Errorf("analysis service not initialised")
	}
	active, err := s.ruleLdr.LoadActive(ctx, tenantID)
	if err != nil {
		return nil, engine.Result{}, err
	}
	scope := cfg.Scope
	scope.IncludeInactive = cfg.IncludeInactive
	g, err := s.graphLdr.Load(ctx, tenantID, scope)
	if err != nil {
		return nil, engine.Result{}, err
	}
	if mode == ModeDelta {
		g, err = s.restrictToDeltaUsers(ctx, tenantID, g)
		if err != nil {
			return nil, engine.Result{}, err
		}
	}
	res, err := s.eval.Evaluate(ctx, g, active, engine.Options{Severities: cfg.RiskLevels})
	if err != nil {
		return nil, engine.Result{}, err
	}
	stored := make([]findings.Finding, 0, len(res.Findings))
	for _, f := range res.Findings {
		persisted, err := s.store.Upsert(ctx, f)
		if err != nil {
			return nil, engine.Result{}, fmt.Errorf("analysis: persist finding for user %d: %w", f.UserID, err)
		}
		stored = append(stored, persisted)
	}
	return stored, res, nil
}

// restrictToDeltaUsers narrows the graph to users touched by deltas between
// the two most recent snapshots. Fewer than two snapshots means nothing has
// changed since baseline, so the graph collapses to an empty user set.
func (s *Service) restrictToDeltaUsers(ctx context.Context, tenantID int64, g graph.Graph) (graph.Graph, error) {
	if s.deltas == nil {
		return graph.Graph{}, fmt.Errorf("analysis: delta mode requires a snapshot source")
	}
	metas, err := s.deltas.List(ctx, tenantID, 2)
	if err != nil {
		return graph.Graph{}, fmt.Errorf("analysis: list snapshots: %w", err)
	}
	if len(metas) < 2 {
		s.logger.Warn("delta run with fewer than two snapshots, nothing to evaluate",
			slog.Int64("tenant_id", tenantID))
		g.Users = nil
		g.Assignments = nil
		return g, nil
	}
	// List is newest first: metas[1] is the older baseline.
	changes, err := s.deltas.DetectDeltas(ctx, tenantID, metas[1].ID, metas[0].ID)
	if err != nil {
		return graph.Graph{}, fmt.Errorf("analysis: detect deltas: %w", err)
	}
	touched := make(map[string]struct{}, len(changes))
	for _, d := range changes {
		if d.UserKey != "" {
			touched[d.UserKey] = struct{}{}
		}
	}

	keptUsers := make([]graph.User, 0, len(touched))
	keptIDs := make(map[int64]struct{}, len(touched))
	for _, u := range g.Users {
		if _, ok := touched[u.NaturalKey()]; ok {
			keptUsers = append(keptUsers, u)
			keptIDs[u.ID] = struct{}{}
		}
	}
	keptAssignments := make([]graph.Assignment, 0, len(g.Assignments))
	for _, a := range g.Assignments {
		if _, ok := keptIDs[a.UserID]; ok {
			keptAssignments = append(keptAssignments, a)
		}
	}
	g.Users = keptUsers
	g.Assignments = keptAssignments
	return g, nil
}
