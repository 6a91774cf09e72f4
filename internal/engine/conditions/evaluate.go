package conditions

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"stageline/internal/domain"
)

// Observed is the current value of a signal as stored.
type Observed struct {
	Value json.RawMessage
	Type  string
}

// Result is the outcome of evaluating a set.
type Result struct {
	Met        bool
	Warning    bool
	Conditions []domain.ConditionResult
}

// Evaluate runs every condition against the observed signals and combines them per
// the set's logic. A nil set is always met.
func Evaluate(s *Set, signals map[string]Observed) Result {
	if s == nil || len(s.Conditions) == 0 {
		return Result{Met: true, Conditions: []domain.ConditionResult{}}
	}
	res := Result{Conditions: make([]domain.ConditionResult, 0, len(s.Conditions))}
	metCount := 0
	for _, c := range s.Conditions {
		cr := evaluateOne(c, signals)
		if cr.Met {
			metCount++
		}
		if cr.Warning {
			res.Warning = true
		}
		res.Conditions = append(res.Conditions, cr)
	}
	switch Logic(strings.ToUpper(string(s.Logic))) {
	case Any:
		res.Met = metCount > 0
	default:
		res.Met = metCount == len(s.Conditions)
	}
	return res
}

func evaluateOne(c Condition, signals map[string]Observed) domain.ConditionResult {
	expected := canonical(c.Value)
	expectedJSON, _ := json.Marshal(expected)
	cr := domain.ConditionResult{
		Signal:   c.Signal,
		Operator: string(c.Operator),
		Expected: expectedJSON,
		Actual:   json.RawMessage("null"),
	}
	obs, ok := signals[c.Signal]
	var actual any
	if ok && len(obs.Value) > 0 {
		v, err := decodeJSON(obs.Value)
		if err != nil {
			cr.Reason = fmt.Sprintf("stored value is not valid JSON: %v", err)
			return cr
		}
		actual = v
		cr.Actual = obs.Value
	}
	if actual == nil {
		switch c.OnMissing {
		case Allow:
			cr.Met = true
			cr.Reason = "signal not set; allowed"
		case Warn:
			cr.Met = true
			cr.Warning = true
			cr.Reason = "signal not set"
		default:
			cr.Reason = "signal not set"
		}
		return cr
	}
	met, reason := compare(c.Operator, actual, expected, obs.Type)
	cr.Met = met
	cr.Reason = reason
	return cr
}

func compare(op Operator, actual, expected any, valueType string) (bool, string) {
	switch op {
	case Eq:
		eq, comparable := equal(actual, expected, valueType)
		if !comparable {
			return false, "type mismatch"
		}
		return eq, ""
	case Neq:
		eq, comparable := equal(actual, expected, valueType)
		return !(comparable && eq), ""
	case Gt, Gte, Lt, Lte:
		cmp, ok := order(actual, expected, valueType)
		if !ok {
			return false, "values are not ordered"
		}
		switch op {
		case Gt:
			return cmp > 0, ""
		case Gte:
			return cmp >= 0, ""
		case Lt:
			return cmp < 0, ""
		default:
			return cmp <= 0, ""
		}
	case In, NotIn:
		list, ok := expected.([]any)
		if !ok {
			return false, "expected value is not a list"
		}
		found := false
		for _, item := range list {
			if eq, comparable := equal(actual, item, valueType); comparable && eq {
				found = true
				break
			}
		}
		if op == In {
			return found, ""
		}
		return !found, ""
	case Contains:
		switch a := actual.(type) {
		case string:
			needle, ok := expected.(string)
			if !ok {
				return false, "type mismatch"
			}
			return strings.Contains(a, needle), ""
		case []any:
			for _, item := range a {
				if eq, comparable := equal(item, expected, ""); comparable && eq {
					return true, ""
				}
			}
			return false, ""
		default:
			return false, "contains requires a string or list signal"
		}
	default:
		return false, fmt.Sprintf("unsupported operator %q", op)
	}
}

// equal compares two decoded JSON values; comparable is false when the kinds differ.
func equal(a, b any, valueType string) (eq bool, comparable bool) {
	switch av := a.(type) {
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv, ok
	case json.Number:
		bn, ok := b.(json.Number)
		if !ok {
			return false, false
		}
		return compareNumbers(av, bn) == 0, true
	case string:
		bs, ok := b.(string)
		if !ok {
			return false, false
		}
		if valueType == "date" {
			if at, bt, ok := parseTimes(av, bs); ok {
				return at.Equal(bt), true
			}
		}
		return av == bs, true
	default:
		ab, errA := json.Marshal(a)
		bb, errB := json.Marshal(b)
		if errA != nil || errB != nil {
			return false, false
		}
		return string(ab) == string(bb), true
	}
}

// order returns -1, 0 or 1 comparing a to b.
func order(a, b any, valueType string) (int, bool) {
	switch av := a.(type) {
	case json.Number:
		bn, ok := b.(json.Number)
		if !ok {
			return 0, false
		}
		return compareNumbers(av, bn), true
	case string:
		bs, ok := b.(string)
		if !ok {
			return 0, false
		}
		if at, bt, ok := parseTimes(av, bs); ok {
			return at.Compare(bt), true
		}
		if valueType == "date" {
			return 0, false
		}
		return strings.Compare(av, bs), true
	default:
		return 0, false
	}
}

func compareNumbers(a, b json.Number) int {
	ar, okA := new(big.Rat).SetString(a.String())
	br, okB := new(big.Rat).SetString(b.String())
	if !okA || !okB {
		return strings.Compare(a.String(), b.String())
	}
	return ar.Cmp(br)
}

var timeLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"}

func parseTimes(a, b string) (time.Time, time.Time, bool) {
	at, okA := parseTime(a)
	bt, okB := parseTime(b)
	return at, bt, okA && okB
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
