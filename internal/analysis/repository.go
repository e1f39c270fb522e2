package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis-grc/aegis/internal/shared"
)

// Repository persists analysis run records.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertRunQuery = `
INSERT INTO analysis_runs (
    id, tenant_id, mode, status, config, started_at
) VALUES ($1, $2, $3, $4, $5, $6)`

// InsertRunning records a run the moment it starts.
func (r *Repository) InsertRunning(ctx context.Context, run Run) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("analysis repo not initialised")
	}
	cfg, err := json.Marshal(run.Config)
	if err != nil {
		return fmt.Errorf("analysis: marshal run config: %w", err)
	}
	_, err = r.pool.Exec(ctx, insertRunQuery,
		run.ID, run.TenantID, run.Mode, run.Status, cfg, run.StartedAt,
	)
	return err
}

const finishRunQuery = `
UPDATE analysis_runs
SET status = $2,
    users_evaluated = $3,
    rules_evaluated = $4,
    rules_skipped = $5,
    total_findings = $6,
    critical_count = $7,
    high_count = $8,
    medium_count = $9,
    low_count = $10,
    error_message = $11,
    finished_at = $12,
    duration_ms = $13
WHERE id = $1`

// Finish moves a run to its terminal status with counters filled in.
func (r *Repository) Finish(ctx context.Context, run Run) error {
	if r == nil || r.pool == nil {
		return fmt.Errorf("analysis repo not initialised")
	}
	_, err := r.pool.Exec(ctx, finishRunQuery,
		run.ID, run.Status,
		run.UsersEvaluated, run.RulesEvaluated, run.RulesSkipped,
		run.TotalFindings, run.CriticalCount, run.HighCount, run.MediumCount, run.LowCount,
		run.ErrorMessage, run.FinishedAt, run.DurationMS,
	)
	return err
}

const getRunQuery = `
SELECT id, tenant_id, mode, status, config,
       users_evaluated, rules_evaluated, rules_skipped,
       total_findings, critical_count, high_count, medium_count, low_count,
       error_message, started_at, finished_at, duration_ms
FROM analysis_runs
WHERE id = $1 AND tenant_id = $2`

// Get loads one run for the tenant.
func (r *Repository) Get(ctx context.Context, tenantID int64, id uuid.UUID) (Run, error) {
	if r == nil || r.pool == nil {
		return Run{}, fmt.Errorf("analysis repo not initialised")
	}
	run, err := scanRun(r.pool.QueryRow(ctx, getRunQuery, id, tenantID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Run{}, shared.ErrNotFound
	}
	return run, err
}

const listRunsQuery = `
SELECT id, tenant_id, mode, status, config,
       users_evaluated, rules_evaluated, rules_skipped,
       total_findings, critical_count, high_count, medium_count, low_count,
       error_message, started_at, finished_at, duration_ms
FROM analysis_runs
WHERE tenant_id = $1
ORDER BY started_at DESC
LIMIT $2`

// List returns the most recent runs for a tenant, newest first.
func (r *Repository) List(ctx context.Context, tenantID int64, limit int) ([]Run, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("analysis repo not initialised")
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.pool.Query(ctx, listRunsQuery, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var runs []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func scanRun(row pgx.Row) (Run, error) {
	var run Run
	var cfg []byte
	err := row.Scan(
		&run.ID, &run.TenantID, &run.Mode, &run.Status, &cfg,
		&run.UsersEvaluated, &run.RulesEvaluated, &run.RulesSkipped,
		&run.TotalFindings, &run.CriticalCount, &run.HighCount, &run.MediumCount, &run.LowCount,
		&run.ErrorMessage, &run.StartedAt, &run.FinishedAt, &run.DurationMS,
	)
	if err != nil {
		return Run{}, err
	}
	if len(cfg) > 0 {
		if err := json.Unmarshal(cfg, &run.Config); err != nil {
			return Run{}, fmt.Errorf("analysis: decode run config for %s: %w", run.ID, err)
		}
	}
	return run, nil
}
