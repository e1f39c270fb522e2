package engine

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aegis-grc/aegis/internal/findings"
	"github.com/aegis-grc/aegis/internal/graph"
	"github.com/aegis-grc/aegis/internal/rules"
)

// buildFinding assembles a finding draft with its linear explain trace
// User -> Role(s) -> Function A -> Function B -> Risk. Everything here is a
// pure function of its inputs; scores and traces are reproducible.
func buildFinding(tenantID int64, rule rules.Rule, user graph.User, grantA, grantB *functionGrant, rolesByID map[int64]graph.Role, now time.Time) findings.Finding {
	roleIDsA := sortedRoleIDs(grantA)
	roleIDsB := sortedRoleIDs(grantB)

	trace := findings.Trace{{
		Type: findings.NodeUser,
		ID:   strconv.FormatInt(user.ID, 10),
		Name: user.Username,
		Metadata: map[string]string{
			"sourceSystem": user.SourceSystem,
			"sourceUserId": user.SourceUserID,
		},
	}}
	for _, roleID := range unionRoleIDs(roleIDsA, roleIDsB) {
		node := findings.TraceNode{
			Type: findings.NodeRole,
			ID:   strconv.FormatInt(roleID, 10),
		}
		if role, ok := rolesByID[roleID]; ok {
			node.Name = role.Name
			node.Metadata = map[string]string{"grants": grantedCodes(roleID, rule, roleIDsA, roleIDsB)}
		}
		trace = append(trace, node)
	}
	trace = append(trace,
		findings.TraceNode{
			Type: findings.NodeFunction,
			ID:   strconv.FormatInt(rule.FunctionA.ID, 10),
			Name: rule.FunctionA.Name,
		},
		findings.TraceNode{
			Type: findings.NodeFunction,
			ID:   strconv.FormatInt(rule.FunctionB.ID, 10),
			Name: rule.FunctionB.Name,
		},
		findings.TraceNode{
			Type:     findings.NodeRisk,
			ID:       strconv.FormatInt(rule.Risk.ID, 10),
			Name:     rule.Risk.Name,
			Metadata: map[string]string{"severity": string(rule.Risk.Severity)},
		},
	)

	return findings.Finding{
		TenantID:      tenantID,
		RiskID:        rule.Risk.ID,
		RiskCode:      rule.Risk.Code,
		RulesetID:     rule.Ruleset.ID,
		UserID:        user.ID,
		FunctionAID:   rule.FunctionA.ID,
		FunctionBID:   rule.FunctionB.ID,
		Severity:      rule.Risk.Severity,
		RiskScore:     rule.Risk.Severity.Score(),
		RoleIDsA:      roleIDsA,
		RoleIDsB:      roleIDsB,
		Trace:         trace,
		Status:        findings.StatusOpen,
		FirstDetected: now,
		LastDetected:  now,
	}
}

func sortedRoleIDs(grant *functionGrant) []int64 {
	ids := make([]int64, 0, len(grant.roleIDs))
	for id := range grant.roleIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func unionRoleIDs(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	union := make([]int64, 0, len(a)+len(b))
	for _, ids := range [][]int64{a, b} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			union = append(union, id)
		}
	}
	sort.Slice(union, func(i, j int) bool { return union[i] < union[j] })
	return union
}

func grantedCodes(roleID int64, rule rules.Rule, roleIDsA, roleIDsB []int64) string {
	var codes []string
	if containsID(roleIDsA, roleID) {
		codes = append(codes, rule.FunctionA.Code)
	}
	if containsID(roleIDsB, roleID) {
		codes = append(codes, rule.FunctionB.Code)
	}
	return strings.Join(codes, ",")
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
