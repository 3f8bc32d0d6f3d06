// Package segment evaluates audience predicates over contact attributes.
// A definition is {logic: AND|OR, conditions: [{field, op, value}]} and is
// persisted as JSON on campaign_schedules.segment_json.
package segment

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Logic operators
const (
	LogicAnd = "AND"
	LogicOr  = "OR"
)

// Condition compares one contact field against a value.
type Condition struct {
	Field string `json:"field"`
	Op    string `json:"op,omitempty"`
	Value Value  `json:"value"`
}

// Value is a condition operand. UIs write leadScore thresholds as bare
// JSON numbers, so both strings and numbers decode; everything compares
// as a string.
type Value string

func (v *Value) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*v = Value(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*v = Value(n.String())
		return nil
	}
	return fmt.Errorf("segment value must be a string or number, got %s", data)
}

// Definition is a segment predicate.
type Definition struct {
	Logic      string      `json:"logic"`
	Conditions []Condition `json:"conditions"`
}

// Target is the view of a contact the evaluator needs.
type Target struct {
	LifecycleStage string
	Temperature    string
	Status         string
	Tags           []string
	Lists          []string
	LeadScore      int
}

// Parse decodes a segment definition from JSON. Empty input yields a
// match-all definition.
func Parse(raw []byte) (*Definition, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return &Definition{Logic: LogicAnd}, nil
	}
	var def Definition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, fmt.Errorf("parse segment: %w", err)
	}
	return &def, nil
}

// Evaluate applies the definition to a contact. An empty condition list
// matches everything; unknown fields match permissively.
func (d *Definition) Evaluate(t Target) bool {
	if len(d.Conditions) == 0 {
		return true
	}
	or := strings.EqualFold(d.Logic, LogicOr)
	for _, c := range d.Conditions {
		hit := matches(c, t)
		if or && hit {
			return true
		}
		if !or && !hit {
			return false
		}
	}
	return !or
}

func matches(c Condition, t Target) bool {
	value := string(c.Value)
	switch c.Field {
	case "lifecycleStage":
		return norm(t.LifecycleStage) == norm(value)
	case "temperature":
		return norm(t.Temperature) == norm(value)
	case "status":
		return t.Status == value
	case "tag":
		return anyMatch(t.Tags, value)
	case "list":
		return anyMatch(t.Lists, value)
	case "leadScore":
		want, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return true
		}
		return compare(float64(t.LeadScore), c.Op, want)
	default:
		// Unknown field: permissive by design so older engines don't
		// silently empty an audience written by a newer UI.
		return true
	}
}

// anyMatch reports whether any element equals or contains the normalized
// value. Note this "contains" semantics is why segment negation is not a
// strict inverse for tag/list fields.
func anyMatch(items []string, value string) bool {
	v := norm(value)
	if v == "" {
		return true
	}
	for _, it := range items {
		n := norm(it)
		if n == v || strings.Contains(n, v) {
			return true
		}
	}
	return false
}

func compare(have float64, op string, want float64) bool {
	switch op {
	case ">=":
		return have >= want
	case "<":
		return have < want
	case "<=":
		return have <= want
	default: // ">" and anything unrecognized
		return have > want
	}
}

func norm(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
