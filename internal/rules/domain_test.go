package rules

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSeverityScore(t *testing.T) {
	cases := map[Severity]int{
		SeverityCritical:  95,
		SeverityHigh:      75,
		SeverityMedium:    50,
		SeverityLow:       25,
		Severity("BOGUS"): 0,
	}
	for severity, want := range cases {
		require.Equal(t, want, severity.Score(), "severity %s", severity)
	}
}

func TestParseCondition(t *testing.T) {
	t.Run("always ignores params", func(t *testing.T) {
		cond, err := ParseCondition("ALWAYS", nil)
		require.NoError(t, err)
		require.Equal(t, ConditionAlways, cond.Type())
	})

	t.Run("same scope requires field", func(t *testing.T) {
		cond, err := ParseCondition("SAME_SCOPE", []byte(`{"scopeField":"companyCode"}`))
		require.NoError(t, err)
		require.Equal(t, SameScopeCondition{ScopeField: "companyCode"}, cond)

		_, err = ParseCondition("SAME_SCOPE", []byte(`{}`))
		require.Error(t, err)
	})

	t.Run("threshold decodes params", func(t *testing.T) {
		cond, err := ParseCondition("THRESHOLD", []byte(`{"field":"amount","limit":50000}`))
		require.NoError(t, err)
		require.Equal(t, ThresholdCondition{Field: "amount", Limit: 50000}, cond)
	})

	t.Run("org unit requires allow list", func(t *testing.T) {
		cond, err := ParseCondition("ORG_UNIT", []byte(`{"orgUnits":["FIN","HR"]}`))
		require.NoError(t, err)
		require.Equal(t, OrgUnitCondition{OrgUnits: []string{"FIN", "HR"}}, cond)

		_, err = ParseCondition("ORG_UNIT", []byte(`{"orgUnits":[]}`))
		require.Error(t, err)
	})

	t.Run("unknown type rejected", func(t *testing.T) {
		_, err := ParseCondition("MYSTERY", nil)
		require.Error(t, err)
	})

	t.Run("malformed params rejected", func(t *testing.T) {
		_, err := ParseCondition("TEMPORAL", []byte(`{`))
		require.Error(t, err)
	})
}
