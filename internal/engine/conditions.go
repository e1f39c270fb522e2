package engine

import (
	"fmt"

	"github.com/aegis-grc/aegis/internal/graph"
	"github.com/aegis-grc/aegis/internal/rules"
)

// evalCondition dispatches over the closed condition variant set. Adding a
// variant without a case here surfaces as a logged per-rule error rather than
// a silent false.
func evalCondition(cond rules.Condition, user graph.User, grantA, grantB *functionGrant) (bool, error) {
	switch c := cond.(type) {
	case rules.AlwaysCondition:
		return evalAlways(), nil
	case rules.SameScopeCondition:
		return evalSameScope(c, grantA, grantB), nil
	case rules.ThresholdCondition:
		return evalThreshold(c), nil
	case rules.TemporalCondition:
		return evalTemporal(c), nil
	case rules.OrgUnitCondition:
		return evalOrgUnit(c, user), nil
	default:
		return false, fmt.Errorf("engine: unhandled condition variant %T", cond)
	}
}

// evalAlways: holding both functions is itself the conflict.
func evalAlways() bool {
	return true
}

// evalSameScope: the assignments carrying function A and those carrying
// function B must share at least one value on the configured scope field.
func evalSameScope(c rules.SameScopeCondition, grantA, grantB *functionGrant) bool {
	valuesA := scopeValues(grantA, c.ScopeField)
	if len(valuesA) == 0 {
		return false
	}
	for value := range scopeValues(grantB, c.ScopeField) {
		if _, ok := valuesA[value]; ok {
			return true
		}
	}
	return false
}

// evalThreshold degrades to co-occurrence: no transactional feed is wired, so
// the configured limit cannot be compared. The caller logs the degradation.
func evalThreshold(rules.ThresholdCondition) bool {
	return true
}

// evalTemporal degrades identically to evalThreshold while no usage history
// is available.
func evalTemporal(rules.TemporalCondition) bool {
	return true
}

// evalOrgUnit: the user's org unit must be in the allow-list.
func evalOrgUnit(c rules.OrgUnitCondition, user graph.User) bool {
	for _, unit := range c.OrgUnits {
		if unit == user.OrgUnit {
			return true
		}
	}
	return false
}

func scopeValues(grant *functionGrant, field string) map[string]struct{} {
	values := make(map[string]struct{})
	for _, a := range grant.assignments {
		if v, ok := a.ScopeOverride[field]; ok && v != "" {
			values[v] = struct{}{}
		}
	}
	return values
}
