package findings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aegis-grc/aegis/internal/rules"
)

// ErrNotFound indicates the requested finding is missing.
var ErrNotFound = errors.New("findings: not found")

// ListFilters narrows a finding listing. Offset/Limit paging math is done by
// the service layer.
type ListFilters struct {
	UserID   int64
	Severity rules.Severity
	Status   Status
	Offset   int
	Limit    int
}

// RiskCount aggregates findings per risk.
type RiskCount struct {
	RiskID   int64  `json:"riskId"`
	RiskCode string `json:"riskCode"`
	RiskName string `json:"riskName"`
	Count    int    `json:"count"`
}

// Repository provides PostgreSQL backed persistence for findings.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// The conditional upsert is a single statement so concurrent re-detections
// for the same (tenant, ruleset, user) cannot interleave: mutable fields are
// last-writer-wins, first_detected/code/status/resolution stay untouched.
const upsertFindingQuery = `
INSERT INTO findings (
    tenant_id, code, risk_id, risk_code, ruleset_id, user_id,
    function_a_id, function_b_id, severity, risk_score,
    role_ids_a, role_ids_b, trace, status,
    first_detected, last_detected, recurrence_count, is_recurring
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 0, false)
ON CONFLICT (tenant_id, ruleset_id, user_id) DO UPDATE SET
    severity = EXCLUDED.severity,
    risk_score = EXCLUDED.risk_score,
    role_ids_a = EXCLUDED.role_ids_a,
    role_ids_b = EXCLUDED.role_ids_b,
    trace = EXCLUDED.trace,
    last_detected = EXCLUDED.last_detected,
    recurrence_count = findings.recurrence_count + 1,
    is_recurring = true
RETURNING id, code, status, first_detected, last_detected, recurrence_count, is_recurring`

// Upsert persists a finding draft. On re-detection the stored code and
// first-detected timestamp win; recurrence bookkeeping is bumped. The
// returned finding reflects the stored row.
func (r *Repository) Upsert(ctx context.Context, f Finding) (Finding, error) {
	if r == nil || r.pool == nil {
		return Finding{}, fmt.Errorf("findings repo not initialised")
	}
	trace, err := json.Marshal(f.Trace)
	if err != nil {
		return Finding{}, fmt.Errorf("findings: marshal trace: %w", err)
	}
	code := BuildCode(f.RiskCode, f.UserID, f.FirstDetected)
	row := r.pool.QueryRow(ctx, upsertFindingQuery,
		f.TenantID, code, f.RiskID, f.RiskCode, f.RulesetID, f.UserID,
		f.FunctionAID, f.FunctionBID, f.Severity, f.RiskScore,
		f.RoleIDsA, f.RoleIDsB, trace, StatusOpen,
		f.FirstDetected, f.LastDetected,
	)
	stored := f
	if err := row.Scan(&stored.ID, &stored.Code, &stored.Status, &stored.FirstDetected,
		&stored.LastDetected, &stored.RecurrenceCount, &stored.IsRecurring); err != nil {
		return Finding{}, fmt.Errorf("findings: upsert: %w", err)
	}
	return stored, nil
}

const getFindingQuery = `
SELECT id, tenant_id, code, risk_id, risk_code, ruleset_id, user_id,
       function_a_id, function_b_id, severity, risk_score,
       role_ids_a, role_ids_b, trace, status,
       first_detected, last_detected, recurrence_count, is_recurring,
       resolved_at, resolution_note
FROM findings
WHERE tenant_id = $1 AND id = $2`

// Get loads one finding by id within the tenant.
func (r *Repository) Get(ctx context.Context, tenantID, id int64) (Finding, error) {
	if r == nil || r.pool == nil {
		return Finding{}, fmt.Errorf("findings repo not initialised")
	}
	var f Finding
	var trace []byte
	err := r.pool.QueryRow(ctx, getFindingQuery, tenantID, id).Scan(
		&f.ID, &f.TenantID, &f.Code, &f.RiskID, &f.RiskCode, &f.RulesetID,
		&f.UserID, &f.FunctionAID, &f.FunctionBID, &f.Severity, &f.RiskScore,
		&f.RoleIDsA, &f.RoleIDsB, &trace, &f.Status,
		&f.FirstDetected, &f.LastDetected, &f.RecurrenceCount, &f.IsRecurring,
		&f.ResolvedAt, &f.ResolutionNote,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return Finding{}, ErrNotFound
	}
	if err != nil {
		return Finding{}, err
	}
	if len(trace) > 0 {
		if err := json.Unmarshal(trace, &f.Trace); err != nil {
			return Finding{}, fmt.Errorf("findings: decode trace for %s: %w", f.Code, err)
		}
	}
	return f, nil
}

const listFindingsQuery = `
SELECT id, tenant_id, code, risk_id, risk_code, ruleset_id, user_id,
       function_a_id, function_b_id, severity, risk_score,
       role_ids_a, role_ids_b, trace, status,
       first_detected, last_detected, recurrence_count, is_recurring,
       resolved_at, resolution_note
FROM findings
WHERE tenant_id = $1
  AND ($2::bigint = 0 OR user_id = $2)
  AND ($3::text = '' OR severity = $3)
  AND ($4::text = '' OR status = $4)
ORDER BY risk_score DESC, last_detected DESC, id
OFFSET $5 LIMIT $6`

// List returns findings matching the filters. The service passes limit+1 to
// detect a next page.
func (r *Repository) List(ctx context.Context, tenantID int64, filters ListFilters) ([]Finding, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("findings repo not initialised")
	}
	rows, err := r.pool.Query(ctx, listFindingsQuery, tenantID,
		filters.UserID, string(filters.Severity), string(filters.Status),
		filters.Offset, filters.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanFindings(rows)
}

const countBySeverityQuery = `
SELECT severity, count(*)
FROM findings
WHERE tenant_id = $1 AND status NOT IN ('RESOLVED', 'FALSE_POSITIVE')
GROUP BY severity`

// CountOpenBySeverity aggregates unresolved findings per severity.
func (r *Repository) CountOpenBySeverity(ctx context.Context, tenantID int64) (map[rules.Severity]int, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("findings repo not initialised")
	}
	rows, err := r.pool.Query(ctx, countBySeverityQuery, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[rules.Severity]int)
	for rows.Next() {
		var severity rules.Severity
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		counts[severity] = count
	}
	return counts, rows.Err()
}

const countByStatusQuery = `
SELECT status, count(*)
FROM findings
WHERE tenant_id = $1
GROUP BY status`

// CountByStatus aggregates findings per lifecycle status.
func (r *Repository) CountByStatus(ctx context.Context, tenantID int64) (map[Status]int, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("findings repo not initialised")
	}
	rows, err := r.pool.Query(ctx, countByStatusQuery, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := make(map[Status]int)
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

const topRisksQuery = `
SELECT f.risk_id, f.risk_code, r.name, count(*) AS findings
FROM findings f
JOIN risks r ON r.id = f.risk_id
WHERE f.tenant_id = $1 AND f.status NOT IN ('RESOLVED', 'FALSE_POSITIVE')
GROUP BY f.risk_id, f.risk_code, r.name
ORDER BY findings DESC, f.risk_code
LIMIT $2`

// TopRisks returns the risks with the most unresolved findings.
func (r *Repository) TopRisks(ctx context.Context, tenantID int64, limit int) ([]RiskCount, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("findings repo not initialised")
	}
	rows, err := r.pool.Query(ctx, topRisksQuery, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var counts []RiskCount
	for rows.Next() {
		var rc RiskCount
		if err := rows.Scan(&rc.RiskID, &rc.RiskCode, &rc.RiskName, &rc.Count); err != nil {
			return nil, err
		}
		counts = append(counts, rc)
	}
	return counts, rows.Err()
}

const countRecurringQuery = `
SELECT count(*) FROM findings WHERE tenant_id = $1 AND is_recurring`

// CountRecurring returns how many findings have re-fired at least once.
func (r *Repository) CountRecurring(ctx context.Context, tenantID int64) (int, error) {
	if r == nil || r.pool == nil {
		return 0, fmt.Errorf("findings repo not initialised")
	}
	var count int
	err := r.pool.QueryRow(ctx, countRecurringQuery, tenantID).Scan(&count)
	return count, err
}

const countAffectedUsersQuery = `
SELECT count(DISTINCT user_id)
FROM findings
WHERE tenant_id = $1 AND status NOT IN ('RESOLVED', 'FALSE_POSITIVE')`

// CountAffectedUsers returns how many distinct users have unresolved findings.
func (r *Repository) CountAffectedUsers(ctx context.Context, tenantID int64) (int, error) {
	if r == nil || r.pool == nil {
		return 0, fmt.Errorf("findings repo not initialised")
	}
	var count int
	err := r.pool.QueryRow(ctx, countAffectedUsersQuery, tenantID).Scan(&count)
	return count, err
}

func scanFindings(rows pgx.Rows) ([]Finding, error) {
	var result []Finding
	for rows.Next() {
		var f Finding
		var trace []byte
		if err := rows.Scan(&f.ID, &f.TenantID, &f.Code, &f.RiskID, &f.RiskCode, &f.RulesetID,
			&f.UserID, &f.FunctionAID, &f.FunctionBID, &f.Severity, &f.RiskScore,
			&f.RoleIDsA, &f.RoleIDsB, &trace, &f.Status,
			&f.FirstDetected, &f.LastDetected, &f.RecurrenceCount, &f.IsRecurring,
			&f.ResolvedAt, &f.ResolutionNote); err != nil {
			return nil, err
		}
		if len(trace) > 0 {
			if err := json.Unmarshal(trace, &f.Trace); err != nil {
				return nil, fmt.Errorf("findings: decode trace for %s: %w", f.Code, err)
			}
		}
		result = append(result, f)
	}
	return result, rows.Err()
}
