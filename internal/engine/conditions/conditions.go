// Package conditions models the signal conditions a stage action can declare and
// evaluates them against an application's current signals.
//
// A condition set is data, not code: it is validated against a fixed operator
// enumeration when written and evaluated by a total interpreter that never fails,
// recording a reason for every condition it cannot satisfy.
package conditions

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type Logic string

const (
	All Logic = "ALL"
	Any Logic = "ANY"
)

type OnMissing string

const (
	Block OnMissing = "BLOCK"
	Allow OnMissing = "ALLOW"
	Warn  OnMissing = "WARN"
)

type Operator string

const (
	Eq       Operator = "="
	Neq      Operator = "!="
	Gt       Operator = ">"
	Gte      Operator = ">="
	Lt       Operator = "<"
	Lte      Operator = "<="
	In       Operator = "in"
	NotIn    Operator = "not_in"
	Contains Operator = "contains"
)

var operators = map[Operator]bool{Eq: true, Neq: true, Gt: true, Gte: true, Lt: true, Lte: true, In: true, NotIn: true, Contains: true}

const maxSignalKey = 100

type Condition struct {
	Signal    string    `json:"signal" yaml:"signal"`
	Operator  Operator  `json:"operator" yaml:"operator"`
	Value     any       `json:"value" yaml:"value"`
	OnMissing OnMissing `json:"onMissing,omitempty" yaml:"onMissing,omitempty"`
}

type Set struct {
	Logic      Logic       `json:"logic" yaml:"logic"`
	Conditions []Condition `json:"conditions" yaml:"conditions"`
}

// Parse decodes and validates a stored condition set. Empty input and JSON null
// mean the action has no conditions.
func Parse(raw []byte) (*Set, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	var s Set
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("invalid signal_conditions: %w", err)
	}
	s.Normalize()
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Normalize fills defaults and canonicalizes enum spellings.
func (s *Set) Normalize() {
	s.Logic = Logic(strings.ToUpper(strings.TrimSpace(string(s.Logic))))
	if s.Logic == "" {
		s.Logic = All
	}
	for i := range s.Conditions {
		c := &s.Conditions[i]
		c.Signal = strings.TrimSpace(c.Signal)
		c.Operator = Operator(strings.ToLower(strings.TrimSpace(string(c.Operator))))
		if c.Operator == "==" {
			c.Operator = Eq
		}
		c.OnMissing = OnMissing(strings.ToUpper(strings.TrimSpace(string(c.OnMissing))))
		if c.OnMissing == "" {
			c.OnMissing = Block
		}
		c.Value = canonical(c.Value)
	}
}

// Validate checks the set against the operator enumeration.
func (s *Set) Validate() error {
	if s.Logic != All && s.Logic != Any {
		return fmt.Errorf("invalid logic %q: must be ALL or ANY", s.Logic)
	}
	if len(s.Conditions) == 0 {
		return errors.New("signal_conditions requires at least one condition")
	}
	for i, c := range s.Conditions {
		if c.Signal == "" {
			return fmt.Errorf("condition %d: signal is required", i)
		}
		if len(c.Signal) > maxSignalKey {
			return fmt.Errorf("condition %d: signal key longer than %d characters", i, maxSignalKey)
		}
		if !operators[c.Operator] {
			return fmt.Errorf("condition %d: unsupported operator %q", i, c.Operator)
		}
		switch c.OnMissing {
		case Block, Allow, Warn:
		default:
			return fmt.Errorf("condition %d: invalid onMissing %q", i, c.OnMissing)
		}
		if c.Value == nil {
			return fmt.Errorf("condition %d: value is required", i)
		}
		switch c.Operator {
		case In, NotIn:
			if _, ok := c.Value.([]any); !ok {
				return fmt.Errorf("condition %d: operator %s requires an array value", i, c.Operator)
			}
		case Gt, Gte, Lt, Lte:
			switch c.Value.(type) {
			case json.Number, string:
			default:
				return fmt.Errorf("condition %d: operator %s requires a number or string value", i, c.Operator)
			}
		}
	}
	return nil
}

// JSON returns the canonical stored form.
func (s *Set) JSON() (json.RawMessage, error) {
	if s == nil {
		return nil, nil
	}
	return json.Marshal(s)
}

// canonical round-trips YAML/JSON decoded values through JSON so numbers are always
// json.Number and maps are map[string]any.
func canonical(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	out, err := decodeJSON(data)
	if err != nil {
		return v
	}
	return out
}

func decodeJSON(data []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
