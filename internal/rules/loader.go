package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aegis-grc/aegis/internal/shared"
)

// RepositoryPort defines the reads the loader needs.
type RepositoryPort interface {
	ListRisks(ctx context.Context, tenantID int64) ([]Risk, error)
	ListFunctions(ctx context.Context, tenantID int64) ([]Function, error)
	ListFunctionPermissions(ctx context.Context, tenantID int64) ([]FunctionPermission, error)
	ListActiveRulesets(ctx context.Context, tenantID int64) ([]RulesetRow, error)
}

// Loader resolves the active rule tuples for a tenant in one pass. Rulesets
// referencing inactive risks or missing functions are skipped with a warning;
// partial rule degradation never aborts an analysis run.
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

// LoadActive returns the resolved {risk, ruleset, functionA, functionB}
// tuples, with each function's permission set pre-resolved.
func (l *Loader) LoadActive(ctx context.Context, tenantID int64) ([]Rule, error) {
	if l == nil || l.repo == nil {
		return nil, fmt.Errorf("rules loader not initialised")
	}
	if tenantID <= 0 {
		return nil, fmt.Errorf("rules: tenant id %d: %w", tenantID, shared.ErrTenantRequired)
	}

	risks, err := l.repo.ListRisks(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("rules: load risks: %w", err)
	}
	functions, err := l.repo.ListFunctions(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("rules: load functions: %w", err)
	}
	links, err := l.repo.ListFunctionPermissions(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("rules: load function permissions: %w", err)
	}
	rulesets, err := l.repo.ListActiveRulesets(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("rules: load rulesets: %w", err)
	}

	riskByID := make(map[int64]Risk, len(risks))
	for _, risk := range risks {
		riskByID[risk.ID] = risk
	}

	permsByFunction := make(map[int64][]int64, len(functions))
	for _, link := range links {
		permsByFunction[link.FunctionID] = append(permsByFunction[link.FunctionID], link.PermissionID)
	}
	funcByID := make(map[int64]Function, len(functions))
	for _, fn := range functions {
		fn.PermissionIDs = permsByFunction[fn.ID]
		funcByID[fn.ID] = fn
	}

	loaded := make([]Rule, 0, len(rulesets))
	for _, row := range rulesets {
		logger := l.logger.With(
			slog.Int64("tenant_id", tenantID),
			slog.String("ruleset", row.Code),
		)
		risk, ok := riskByID[row.RiskID]
		if !ok || !risk.IsActive {
			logger.Warn("skipping ruleset: risk missing or inactive", slog.Int64("risk_id", row.RiskID))
			continue
		}
		if row.FunctionAID == row.FunctionBID {
			logger.Warn("skipping ruleset: both sides reference the same function",
				slog.Int64("function_id", row.FunctionAID))
			continue
		}
		fnA, ok := funcByID[row.FunctionAID]
		if !ok || !fnA.IsActive {
			logger.Warn("skipping ruleset: function A missing or inactive", slog.Int64("function_id", row.FunctionAID))
			continue
		}
		fnB, ok := funcByID[row.FunctionBID]
		if !ok || !fnB.IsActive {
			logger.Warn("skipping ruleset: function B missing or inactive", slog.Int64("function_id", row.FunctionBID))
			continue
		}
		cond, err := ParseCondition(row.ConditionType, row.ConditionParams)
		if err != nil {
			logger.Warn("skipping ruleset: bad condition", slog.Any("error", err))
			continue
		}
		ruleset := row.Ruleset
		ruleset.Condition = cond
		loaded = append(loaded, Rule{
			Risk:      risk,
			Ruleset:   ruleset,
			FunctionA: fnA,
			FunctionB: fnB,
		})
	}
	return loaded, nil
}
