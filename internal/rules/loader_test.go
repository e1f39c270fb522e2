package rules

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

type memoryRulesRepo struct {
	risks    []Risk
	funcs    []Function
	links    []FunctionPermission
	rulesets []RulesetRow
}

func (r *memoryRulesRepo) ListRisks(ctx context.Context, tenantID int64) ([]Risk, error) {
	return r.risks, nil
}

func (r *memoryRulesRepo) ListFunctions(ctx context.Context, tenantID int64) ([]Function, error) {
	return r.funcs, nil
}

func (r *memoryRulesRepo) ListFunctionPermissions(ctx context.Context, tenantID int64) ([]FunctionPermission, error) {
	return r.links, nil
}

func (r *memoryRulesRepo) ListActiveRulesets(ctx context.Context, tenantID int64) ([]RulesetRow, error) {
	return r.rulesets, nil
}

func TestLoadActiveResolvesRules(t *testing.T) {
	repo := &memoryRulesRepo{
		risks: []Risk{
			{ID: 1, Code: "P2P-001", Severity: SeverityCritical, IsActive: true},
		},
		funcs: []Function{
			{ID: 10, Code: "MAINTAIN_VENDOR", IsActive: true},
			{ID: 20, Code: "RUN_PAYMENTS", IsActive: true},
		},
		links: []FunctionPermission{
			{FunctionID: 10, PermissionID: 100},
			{FunctionID: 10, PermissionID: 101},
			{FunctionID: 20, PermissionID: 200},
		},
		rulesets: []RulesetRow{
			{
				Ruleset:       Ruleset{ID: 5, RiskID: 1, Code: "RS-1", FunctionAID: 10, FunctionBID: 20, IsActive: true},
				ConditionType: "ALWAYS",
			},
		},
	}
	loader := NewLoader(repo, nil)

	loaded, err := loader.LoadActive(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, loaded, 1)

	rule := loaded[0]
	require.Equal(t, "P2P-001", rule.Risk.Code)
	require.Equal(t, ConditionAlways, rule.Ruleset.Condition.Type())
	require.Equal(t, []int64{100, 101}, rule.FunctionA.PermissionIDs)
	require.Equal(t, []int64{200}, rule.FunctionB.PermissionIDs)
}

func TestLoadActiveSkipsDegeneratePairs(t *testing.T) {
	repo := &memoryRulesRepo{
		risks: []Risk{
			{ID: 1, Code: "R-ACTIVE", Severity: SeverityHigh, IsActive: true},
			{ID: 2, Code: "R-INACTIVE", Severity: SeverityHigh, IsActive: false},
		},
		funcs: []Function{
			{ID: 10, Code: "FN-A", IsActive: true},
			{ID: 20, Code: "FN-B", IsActive: true},
			{ID: 30, Code: "FN-RETIRED", IsActive: false},
		},
		rulesets: []RulesetRow{
			// Same function on both sides.
			{Ruleset: Ruleset{ID: 1, RiskID: 1, Code: "RS-SELF", FunctionAID: 10, FunctionBID: 10, IsActive: true}, ConditionType: "ALWAYS"},
			// Inactive risk.
			{Ruleset: Ruleset{ID: 2, RiskID: 2, Code: "RS-DEADRISK", FunctionAID: 10, FunctionBID: 20, IsActive: true}, ConditionType: "ALWAYS"},
			// Missing risk.
			{Ruleset: Ruleset{ID: 3, RiskID: 99, Code: "RS-NORISK", FunctionAID: 10, FunctionBID: 20, IsActive: true}, ConditionType: "ALWAYS"},
			// Inactive function.
			{Ruleset: Ruleset{ID: 4, RiskID: 1, Code: "RS-DEADFN", FunctionAID: 10, FunctionBID: 30, IsActive: true}, ConditionType: "ALWAYS"},
			// Bad condition params.
			{Ruleset: Ruleset{ID: 5, RiskID: 1, Code: "RS-BADCOND", FunctionAID: 10, FunctionBID: 20, IsActive: true}, ConditionType: "SAME_SCOPE", ConditionParams: []byte(`{}`)},
			// The one healthy ruleset.
			{Ruleset: Ruleset{ID: 6, RiskID: 1, Code: "RS-OK", FunctionAID: 10, FunctionBID: 20, IsActive: true}, ConditionType: "ALWAYS"},
		},
	}
	loader := NewLoader(repo, nil)

	loaded, err := loader.LoadActive(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	require.Equal(t, "RS-OK", loaded[0].Ruleset.Code)
}

func TestLoadActiveRejectsInvalidTenant(t *testing.T) {
	loader := NewLoader(&memoryRulesRepo{}, nil)
	_, err := loader.LoadActive(context.Background(), 0)
	require.Error(t, err)
}
