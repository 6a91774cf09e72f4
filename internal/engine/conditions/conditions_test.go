package conditions

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func obs(v string, typ string) Observed {
	return Observed{Value: json.RawMessage(v), Type: typ}
}

func TestParseNormalizesAndValidates(t *testing.T) {
	set, err := Parse([]byte(`{"logic":"all","conditions":[{"signal":"background_check","operator":"==","value":true}]}`))
	require.NoError(t, err)
	require.NotNil(t, set)
	assert.Equal(t, All, set.Logic)
	assert.Equal(t, Eq, set.Conditions[0].Operator)
	assert.Equal(t, Block, set.Conditions[0].OnMissing)

	empty, err := Parse([]byte(" null "))
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestParseRejectsInvalidSets(t *testing.T) {
	cases := map[string]string{
		"bad logic":        `{"logic":"SOME","conditions":[{"signal":"a","operator":"=","value":1}]}`,
		"no conditions":    `{"logic":"ALL","conditions":[]}`,
		"unknown operator": `{"logic":"ALL","conditions":[{"signal":"a","operator":"~","value":1}]}`,
		"missing signal":   `{"logic":"ALL","conditions":[{"signal":"","operator":"=","value":1}]}`,
		"in needs list":    `{"logic":"ALL","conditions":[{"signal":"a","operator":"in","value":"x"}]}`,
		"bad onMissing":    `{"logic":"ALL","conditions":[{"signal":"a","operator":"=","value":1,"onMissing":"SKIP"}]}`,
		"gt needs scalar":  `{"logic":"ALL","conditions":[{"signal":"a","operator":">","value":true}]}`,
		"unknown field":    `{"logic":"ALL","conditions":[{"signal":"a","operator":"=","value":1,"expr":"x"}]}`,
		"missing value":    `{"logic":"ALL","conditions":[{"signal":"a","operator":"="}]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestEvaluateOnMissingPolicies(t *testing.T) {
	for _, tc := range []struct {
		policy  OnMissing
		met     bool
		warning bool
	}{
		{Block, false, false},
		{Allow, true, false},
		{Warn, true, true},
	} {
		set := &Set{Logic: All, Conditions: []Condition{{Signal: "reference_ok", Operator: Eq, Value: true, OnMissing: tc.policy}}}
		res := Evaluate(set, nil)
		assert.Equal(t, tc.met, res.Met, string(tc.policy))
		assert.Equal(t, tc.warning, res.Warning, string(tc.policy))
		require.Len(t, res.Conditions, 1)
		assert.Equal(t, "signal not set", res.Conditions[0].Reason[:len("signal not set")])
	}
}

func TestEvaluateLogicMatchesConditionResults(t *testing.T) {
	signals := map[string]Observed{
		"score":    obs(`4.5`, "number"),
		"visa":     obs(`"pending"`, "string"),
		"verified": obs(`true`, "boolean"),
	}
	conds := []Condition{
		{Signal: "score", Operator: Gte, Value: 4},
		{Signal: "visa", Operator: In, Value: []any{"approved", "not_required"}},
		{Signal: "verified", Operator: Eq, Value: true},
	}
	all := Evaluate(&Set{Logic: All, Conditions: conds}, signals)
	anyRes := Evaluate(&Set{Logic: Any, Conditions: conds}, signals)

	metCount := 0
	for _, c := range all.Conditions {
		if c.Met {
			metCount++
		}
	}
	assert.Equal(t, 2, metCount)
	assert.False(t, all.Met)
	assert.True(t, anyRes.Met)

	none := Evaluate(&Set{Logic: Any, Conditions: conds[1:2]}, signals)
	assert.False(t, none.Met)
}

func TestEvaluateOperators(t *testing.T) {
	cases := []struct {
		name   string
		op     Operator
		value  any
		actual Observed
		met    bool
	}{
		{"number equality ignores formatting", Eq, 3, obs(`3.0`, "number"), true},
		{"not equal across types", Neq, "3", obs(`3`, "number"), true},
		{"greater than", Gt, 10, obs(`11`, "number"), true},
		{"less than or equal", Lte, 10, obs(`10`, "number"), true},
		{"date ordering", Lt, "2025-01-01", obs(`"2024-12-31T10:00:00Z"`, "date"), true},
		{"not in", NotIn, []any{"a", "b"}, obs(`"c"`, "string"), true},
		{"contains substring", Contains, "senior", obs(`"senior engineer"`, "string"), true},
		{"contains list item", Contains, "go", obs(`["go","sql"]`, "string"), true},
		{"type mismatch fails closed", Eq, true, obs(`"true"`, "string"), false},
		{"ordering on booleans fails", Gt, 1, obs(`true`, "boolean"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			set := &Set{Logic: All, Conditions: []Condition{{Signal: "s", Operator: tc.op, Value: tc.value, OnMissing: Block}}}
			res := Evaluate(set, map[string]Observed{"s": tc.actual})
			assert.Equal(t, tc.met, res.Met)
		})
	}
}

func TestEvaluateNilSetIsMet(t *testing.T) {
	res := Evaluate(nil, nil)
	assert.True(t, res.Met)
	assert.Empty(t, res.Conditions)
}
