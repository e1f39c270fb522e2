package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aegis-grc/aegis/internal/findings"
	"github.com/aegis-grc/aegis/internal/graph"
	"github.com/aegis-grc/aegis/internal/rules"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e := New(nil)
	e.WithClock(func() time.Time { return testNow })
	return e
}

// twoFunctionGraph builds one user holding function A through role 10 and
// function B through role 20.
func twoFunctionGraph() graph.Graph {
	return graph.Graph{
		TenantID: 1,
		Users: []graph.User{
			{ID: 100, TenantID: 1, SourceSystem: "SAP", SourceUserID: "jdoe", Username: "jdoe", OrgUnit: "FIN", IsActive: true},
		},
		Roles: []graph.Role{
			{ID: 10, TenantID: 1, Name: "Vendor Maintainer", Type: graph.RoleSingle},
			{ID: 20, TenantID: 1, Name: "Payment Runner", Type: graph.RoleSingle},
		},
		Permissions: []graph.Permission{
			{ID: 1000, TenantID: 1, Action: graph.ActionUpdate, Object: "VENDOR"},
			{ID: 2000, TenantID: 1, Action: graph.ActionExecute, Object: "PAYMENT"},
		},
		Assignments: []graph.Assignment{
			{ID: 1, TenantID: 1, UserID: 100, RoleID: 10, Type: graph.AssignmentDirect, IsActive: true},
			{ID: 2, TenantID: 1, UserID: 100, RoleID: 20, Type: graph.AssignmentDirect, IsActive: true},
		},
		RolePermissions: []graph.RolePermission{
			{TenantID: 1, RoleID: 10, PermissionID: 1000},
			{TenantID: 1, RoleID: 20, PermissionID: 2000},
		},
	}
}

func vendorPaymentRule(cond rules.Condition, severity rules.Severity) rules.Rule {
	return rules.Rule{
		Risk: rules.Risk{
			ID: 5, TenantID: 1, Code: "P2P-001", Name: "Vendor fraud exposure",
			Severity: severity, IsActive: true,
		},
		Ruleset: rules.Ruleset{
			ID: 7, TenantID: 1, RiskID: 5, Code: "RS-P2P-001",
			FunctionAID: 31, FunctionBID: 32, Condition: cond, IsActive: true,
		},
		FunctionA: rules.Function{ID: 31, TenantID: 1, Code: "MAINTAIN_VENDOR", Name: "Maintain Vendors", IsActive: true, PermissionIDs: []int64{1000}},
		FunctionB: rules.Function{ID: 32, TenantID: 1, Code: "RUN_PAYMENTS", Name: "Run Payments", IsActive: true, PermissionIDs: []int64{2000}},
	}
}

func TestEvaluateAlwaysConflict(t *testing.T) {
	e := newTestEngine(t)
	g := twoFunctionGraph()
	rule := vendorPaymentRule(rules.AlwaysCondition{}, rules.SeverityCritical)

	res, err := e.Evaluate(context.Background(), g, []rules.Rule{rule}, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, res.RulesEvaluated)
	require.Zero(t, res.RulesSkipped)
	require.Len(t, res.Findings, 1)

	f := res.Findings[0]
	require.Equal(t, int64(1), f.TenantID)
	require.Equal(t, "P2P-001", f.RiskCode)
	require.Equal(t, int64(100), f.UserID)
	require.Equal(t, rules.SeverityCritical, f.Severity)
	require.Equal(t, 95, f.RiskScore)
	require.Equal(t, []int64{10}, f.RoleIDsA)
	require.Equal(t, []int64{20}, f.RoleIDsB)
	require.Equal(t, findings.StatusOpen, f.Status)
	require.Equal(t, testNow, f.FirstDetected)
	require.Equal(t, testNow, f.LastDetected)

	// USER, two ROLE nodes, FUNCTION A, FUNCTION B, RISK.
	require.Len(t, f.Trace, 6)
	require.Equal(t, findings.NodeUser, f.Trace[0].Type)
	require.Equal(t, "jdoe", f.Trace[0].Name)
	require.Equal(t, "SAP", f.Trace[0].Metadata["sourceSystem"])
	require.Equal(t, findings.NodeRole, f.Trace[1].Type)
	require.Equal(t, "MAINTAIN_VENDOR", f.Trace[1].Metadata["grants"])
	require.Equal(t, findings.NodeRole, f.Trace[2].Type)
	require.Equal(t, "RUN_PAYMENTS", f.Trace[2].Metadata["grants"])
	require.Equal(t, findings.NodeFunction, f.Trace[3].Type)
	require.Equal(t, "Maintain Vendors", f.Trace[3].Name)
	require.Equal(t, findings.NodeFunction, f.Trace[4].Type)
	require.Equal(t, findings.NodeRisk, f.Trace[5].Type)
	require.Equal(t, "CRITICAL", f.Trace[5].Metadata["severity"])
}

func TestEvaluateNoSharedFunction(t *testing.T) {
	e := newTestEngine(t)
	g := twoFunctionGraph()
	// Drop the payment role assignment: only function A remains held.
	g.Assignments = g.Assignments[:1]
	rule := vendorPaymentRule(rules.AlwaysCondition{}, rules.SeverityHigh)

	res, err := e.Evaluate(context.Background(), g, []rules.Rule{rule}, Options{})
	require.NoError(t, err)
	require.Empty(t, res.Findings)
	require.Equal(t, 1, res.RulesEvaluated)
}

func TestEvaluateSameScope(t *testing.T) {
	cond := rules.SameScopeCondition{ScopeField: "companyCode"}

	t.Run("shared scope fires", func(t *testing.T) {
		e := newTestEngine(t)
		g := twoFunctionGraph()
		g.Assignments[0].ScopeOverride = map[string]string{"companyCode": "1000"}
		g.Assignments[1].ScopeOverride = map[string]string{"companyCode": "1000"}
		res, err := e.Evaluate(context.Background(), g, []rules.Rule{vendorPaymentRule(cond, rules.SeverityHigh)}, Options{})
		require.NoError(t, err)
		require.Len(t, res.Findings, 1)
	})

	t.Run("disjoint scope does not fire", func(t *testing.T) {
		e := newTestEngine(t)
		g := twoFunctionGraph()
		g.Assignments[0].ScopeOverride = map[string]string{"companyCode": "1000"}
		g.Assignments[1].ScopeOverride = map[string]string{"companyCode": "2000"}
		res, err := e.Evaluate(context.Background(), g, []rules.Rule{vendorPaymentRule(cond, rules.SeverityHigh)}, Options{})
		require.NoError(t, err)
		require.Empty(t, res.Findings)
	})

	t.Run("missing scope on one side does not fire", func(t *testing.T) {
		e := newTestEngine(t)
		g := twoFunctionGraph()
		g.Assignments[1].ScopeOverride = map[string]string{"companyCode": "1000"}
		res, err := e.Evaluate(context.Background(), g, []rules.Rule{vendorPaymentRule(cond, rules.SeverityHigh)}, Options{})
		require.NoError(t, err)
		require.Empty(t, res.Findings)
	})
}

func TestEvaluateOrgUnit(t *testing.T) {
	e := newTestEngine(t)
	g := twoFunctionGraph()
	allowed := vendorPaymentRule(rules.OrgUnitCondition{OrgUnits: []string{"FIN"}}, rules.SeverityMedium)
	res, err := e.Evaluate(context.Background(), g, []rules.Rule{allowed}, Options{})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)

	denied := vendorPaymentRule(rules.OrgUnitCondition{OrgUnits: []string{"HR"}}, rules.SeverityMedium)
	res, err = e.Evaluate(context.Background(), g, []rules.Rule{denied}, Options{})
	require.NoError(t, err)
	require.Empty(t, res.Findings)
}

func TestEvaluateThresholdDegradesToCoOccurrence(t *testing.T) {
	e := newTestEngine(t)
	g := twoFunctionGraph()
	rule := vendorPaymentRule(rules.ThresholdCondition{Field: "amount", Limit: 10000}, rules.SeverityLow)

	res, err := e.Evaluate(context.Background(), g, []rules.Rule{rule}, Options{})
	require.NoError(t, err)
	require.Len(t, res.Findings, 1)
	require.Equal(t, 25, res.Findings[0].RiskScore)
}

func TestEvaluateSeverityFilter(t *testing.T) {
	e := newTestEngine(t)
	g := twoFunctionGraph()
	rule := vendorPaymentRule(rules.AlwaysCondition{}, rules.SeverityMedium)

	res, err := e.Evaluate(context.Background(), g, []rules.Rule{rule}, Options{
		Severities: []rules.Severity{rules.SeverityCritical},
	})
	require.NoError(t, err)
	require.Empty(t, res.Findings)
	require.Zero(t, res.RulesEvaluated)
}

func TestEvaluateExpiredAssignment(t *testing.T) {
	e := newTestEngine(t)
	g := twoFunctionGraph()
	expired := testNow.Add(-24 * time.Hour)
	g.Assignments[1].ValidTo = &expired
	rule := vendorPaymentRule(rules.AlwaysCondition{}, rules.SeverityHigh)

	res, err := e.Evaluate(context.Background(), g, []rules.Rule{rule}, Options{})
	require.NoError(t, err)
	require.Empty(t, res.Findings)
}

func TestEvaluateDeterministic(t *testing.T) {
	e := newTestEngine(t)
	g := twoFunctionGraph()
	g.Users = append(g.Users, graph.User{
		ID: 200, TenantID: 1, SourceSystem: "SAP", SourceUserID: "asmith", Username: "asmith", OrgUnit: "FIN", IsActive: true,
	})
	g.Assignments = append(g.Assignments,
		graph.Assignment{ID: 3, TenantID: 1, UserID: 200, RoleID: 10, Type: graph.AssignmentDirect, IsActive: true},
		graph.Assignment{ID: 4, TenantID: 1, UserID: 200, RoleID: 20, Type: graph.AssignmentDirect, IsActive: true},
	)
	rule := vendorPaymentRule(rules.AlwaysCondition{}, rules.SeverityHigh)

	first, err := e.Evaluate(context.Background(), g, []rules.Rule{rule}, Options{})
	require.NoError(t, err)
	second, err := e.Evaluate(context.Background(), g, []rules.Rule{rule}, Options{})
	require.NoError(t, err)

	require.Len(t, first.Findings, 2)
	require.Equal(t, first.Findings, second.Findings)
	require.Equal(t, int64(100), first.Findings[0].UserID)
	require.Equal(t, int64(200), first.Findings[1].UserID)
}

type unknownCondition struct{}

func (unknownCondition) Type() rules.ConditionType { return "MYSTERY" }

func TestEvaluateUnknownConditionSkipsRule(t *testing.T) {
	e := newTestEngine(t)
	g := twoFunctionGraph()
	broken := vendorPaymentRule(unknownCondition{}, rules.SeverityHigh)
	healthy := vendorPaymentRule(rules.AlwaysCondition{}, rules.SeverityHigh)
	healthy.Ruleset.ID = 8
	healthy.Ruleset.Code = "RS-P2P-002"

	res, err := e.Evaluate(context.Background(), g, []rules.Rule{broken, healthy}, Options{})
	require.NoError(t, err)
	require.Equal(t, 1, res.RulesSkipped)
	require.Equal(t, 1, res.RulesEvaluated)
	require.Len(t, res.Findings, 1)
	require.Equal(t, int64(8), res.Findings[0].RulesetID)
}
