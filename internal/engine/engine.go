// Package engine implements the access-graph conflict detection algorithm:
// a single materialized pass over assignments joined against pre-built
// permission->function and role->permission indexes, followed by per-rule
// condition evaluation.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/aegis-grc/aegis/internal/findings"
	"github.com/aegis-grc/aegis/internal/graph"
	"github.com/aegis-grc/aegis/internal/rules"
)

// Options narrows an evaluation pass.
type Options struct {
	// Severities restricts which risk severities are evaluated. Empty means all.
	Severities []rules.Severity
}

// Result is the outcome of one evaluation pass.
type Result struct {
	Findings       []findings.Finding
	RulesEvaluated int
	RulesSkipped   int
	UsersEvaluated int
}

// Engine evaluates loaded rules against a loaded access graph. It holds no
// tenant state; concurrent evaluations for different tenants are safe.
type Engine struct {
	logger *slog.Logger
	now    func() time.Time
}

// New constructs an engine.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock overrides the clock for deterministic tests.
func (e *Engine) WithClock(clock func() time.Time) {
	if clock != nil {
		e.now = clock
	}
}

// functionGrant records how a user holds one function: through which roles
// and through which concrete assignments.
type functionGrant struct {
	roleIDs     map[int64]struct{}
	assignments []*graph.Assignment
}

// Evaluate runs every rule against every user holding both of its functions.
// A single rule's evaluation error is logged and skips that rule only;
// remaining rules and users are still evaluated.
func (e *Engine) Evaluate(ctx context.Context, g graph.Graph, active []rules.Rule, opts Options) (Result, error) {
	now := e.now()

	severityFilter := make(map[rules.Severity]struct{}, len(opts.Severities))
	for _, s := range opts.Severities {
		severityFilter[s] = struct{}{}
	}

	// Index 1: permission -> owning functions, built once from the
	// pre-resolved permission sets of the loaded rules.
	funcsByPerm := make(map[int64][]int64)
	seenFuncs := make(map[int64]struct{})
	for _, rule := range active {
		for _, fn := range []rules.Function{rule.FunctionA, rule.FunctionB} {
			if _, ok := seenFuncs[fn.ID]; ok {
				continue
			}
			seenFuncs[fn.ID] = struct{}{}
			for _, pid := range fn.PermissionIDs {
				funcsByPerm[pid] = append(funcsByPerm[pid], fn.ID)
			}
		}
	}

	// Index 2: role -> granted permissions.
	permsByRole := make(map[int64][]int64, len(g.Roles))
	for _, link := range g.RolePermissions {
		permsByRole[link.RoleID] = append(permsByRole[link.RoleID], link.PermissionID)
	}

	rolesByID := make(map[int64]graph.Role, len(g.Roles))
	for _, role := range g.Roles {
		rolesByID[role.ID] = role
	}

	// Single pass over assignments: accumulate user -> function grants.
	holdings := make(map[int64]map[int64]*functionGrant)
	for i := range g.Assignments {
		a := &g.Assignments[i]
		if !a.ValidAt(now) {
			continue
		}
		for _, pid := range permsByRole[a.RoleID] {
			for _, fid := range funcsByPerm[pid] {
				grants := holdings[a.UserID]
				if grants == nil {
					grants = make(map[int64]*functionGrant)
					holdings[a.UserID] = grants
				}
				grant := grants[fid]
				if grant == nil {
					grant = &functionGrant{roleIDs: make(map[int64]struct{})}
					grants[fid] = grant
				}
				if _, ok := grant.roleIDs[a.RoleID]; !ok {
					grant.roleIDs[a.RoleID] = struct{}{}
				}
				grant.assignments = append(grant.assignments, a)
			}
		}
	}

	result := Result{UsersEvaluated: len(g.Users)}
	for _, rule := range active {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		if len(severityFilter) > 0 {
			if _, ok := severityFilter[rule.Risk.Severity]; !ok {
				continue
			}
		}
		logger := e.logger.With(
			slog.Int64("tenant_id", g.TenantID),
			slog.String("ruleset", rule.Ruleset.Code),
		)
		switch rule.Ruleset.Condition.(type) {
		case rules.ThresholdCondition, rules.TemporalCondition:
			// Documented limitation: without a transactional/usage feed these
			// conditions degrade to "both functions present".
			logger.Warn("condition degraded to co-occurrence: no transactional or usage history available",
				slog.String("condition", string(rule.Ruleset.Condition.Type())))
		}

		ruleFailed := false
		for _, user := range g.Users {
			grants := holdings[user.ID]
			if grants == nil {
				continue
			}
			grantA := grants[rule.FunctionA.ID]
			grantB := grants[rule.FunctionB.ID]
			if grantA == nil || grantB == nil {
				continue
			}
			satisfied, err := evalCondition(rule.Ruleset.Condition, user, grantA, grantB)
			if err != nil {
				logger.Error("rule evaluation failed, skipping rule", slog.Any("error", err))
				result.RulesSkipped++
				ruleFailed = true
				break
			}
			if !satisfied {
				continue
			}
			result.Findings = append(result.Findings, buildFinding(g.TenantID, rule, user, grantA, grantB, rolesByID, now))
		}
		if !ruleFailed {
			result.RulesEvaluated++
		}
	}
	return result, nil
}
