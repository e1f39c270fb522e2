package rules

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RulesetRow is a ruleset as stored, with its condition still undecoded.
type RulesetRow struct {
	Ruleset
	ConditionType   string
	ConditionParams []byte
}

// Repository provides PostgreSQL backed persistence for the rule model.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const listRisksQuery = `
SELECT id, tenant_id, code, name, description, severity, standards, is_active,
       created_at, updated_at
FROM risks
WHERE tenant_id = $1
ORDER BY id`

// ListRisks returns all risks for the tenant, active or not. The loader
// decides what an inactive risk means for a referencing ruleset.
func (r *Repository) ListRisks(ctx context.Context, tenantID int64) ([]Risk, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("rules repo not initialised")
	}
	rows, err := r.pool.Query(ctx, listRisksQuery, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var risks []Risk
	for rows.Next() {
		var risk Risk
		if err := rows.Scan(&risk.ID, &risk.TenantID, &risk.Code, &risk.Name, &risk.Description,
			&risk.Severity, &risk.Standards, &risk.IsActive, &risk.CreatedAt, &risk.UpdatedAt); err != nil {
			return nil, err
		}
		risks = append(risks, risk)
	}
	return risks, rows.Err()
}

const listFunctionsQuery = `
SELECT id, tenant_id, code, name, description, is_active, created_at, updated_at
FROM functions
WHERE tenant_id = $1
ORDER BY id`

// ListFunctions returns all functions for the tenant.
func (r *Repository) ListFunctions(ctx context.Context, tenantID int64) ([]Function, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("rules repo not initialised")
	}
	rows, err := r.pool.Query(ctx, listFunctionsQuery, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var funcs []Function
	for rows.Next() {
		var fn Function
		if err := rows.Scan(&fn.ID, &fn.TenantID, &fn.Code, &fn.Name, &fn.Description,
			&fn.IsActive, &fn.CreatedAt, &fn.UpdatedAt); err != nil {
			return nil, err
		}
		funcs = append(funcs, fn)
	}
	return funcs, rows.Err()
}

const listFunctionPermissionsQuery = `
SELECT tenant_id, function_id, permission_id
FROM function_permissions
WHERE tenant_id = $1
ORDER BY function_id, permission_id`

// ListFunctionPermissions returns the function->permission mapping.
func (r *Repository) ListFunctionPermissions(ctx context.Context, tenantID int64) ([]FunctionPermission, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("rules repo not initialised")
	}
	rows, err := r.pool.Query(ctx, listFunctionPermissionsQuery, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var links []FunctionPermission
	for rows.Next() {
		var link FunctionPermission
		if err := rows.Scan(&link.TenantID, &link.FunctionID, &link.PermissionID); err != nil {
			return nil, err
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

const listActiveRulesetsQuery = `
SELECT id, tenant_id, risk_id, code, name, function_a_id, function_b_id,
       condition_type, condition_params, logic_op, is_active, created_at, updated_at
FROM rulesets
WHERE tenant_id = $1 AND is_active
ORDER BY id`

// ListActiveRulesets returns active rulesets with raw condition documents.
func (r *Repository) ListActiveRulesets(ctx context.Context, tenantID int64) ([]RulesetRow, error) {
	if r == nil || r.pool == nil {
		return nil, fmt.Errorf("rules repo not initialised")
	}
	rows, err := r.pool.Query(ctx, listActiveRulesetsQuery, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rulesets []RulesetRow
	for rows.Next() {
		var row RulesetRow
		if err := rows.Scan(&row.ID, &row.TenantID, &row.RiskID, &row.Code, &row.Name,
			&row.FunctionAID, &row.FunctionBID, &row.ConditionType, &row.ConditionParams,
			&row.LogicOp, &row.IsActive, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, err
		}
		rulesets = append(rulesets, row)
	}
	return rulesets, rows.Err()
}
