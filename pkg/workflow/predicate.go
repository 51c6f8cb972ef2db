package workflow

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/mugoori/TriFlow-AI-sub008/pkg/contracts"
)

// Operator is a predicate comparison.
type Operator string

const (
	OpEq       Operator = "eq"
	OpNe       Operator = "ne"
	OpGt       Operator = "gt"
	OpGte      Operator = "gte"
	OpLt       Operator = "lt"
	OpLte      Operator = "lte"
	OpIn       Operator = "in"
	OpContains Operator = "contains"
	OpExists   Operator = "exists"
)

// Valid reports whether op is a known operator.
func (op Operator) Valid() bool {
	switch op {
	case OpEq, OpNe, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains, OpExists:
		return true
	}
	return false
}

// Predicate compares a variable against a value. Value may itself be a
// {{var.path}} template.
type Predicate struct {
	Field string   `json:"field" yaml:"field"`
	Op    Operator `json:"op" yaml:"op"`
	Value any      `json:"value,omitempty" yaml:"value,omitempty"`
}

// Eval evaluates p against s. A missing field satisfies only ne.
func (p Predicate) Eval(s *Scope) (bool, error) {
	got, ok := s.Lookup(p.Field)
	if p.Op == OpExists {
		return ok && got != nil, nil
	}
	want, err := render(p.Value, s)
	if err != nil {
		return false, err
	}
	if !ok {
		return p.Op == OpNe, nil
	}

	switch p.Op {
	case OpEq:
		return equal(got, want), nil
	case OpNe:
		return !equal(got, want), nil
	case OpGt, OpGte, OpLt, OpLte:
		c, err := compare(got, want)
		if err != nil {
			return false, contracts.WrapError(contracts.KindInvalid,
				fmt.Sprintf("predicate %s %s", p.Field, p.Op), err)
		}
		switch p.Op {
		case OpGt:
			return c > 0, nil
		case OpGte:
			return c >= 0, nil
		case OpLt:
			return c < 0, nil
		default:
			return c <= 0, nil
		}
	case OpIn:
		list, ok := want.([]any)
		if !ok {
			return false, contracts.NewError(contracts.KindInvalid, "invalid_predicate",
				fmt.Sprintf("predicate %s in: value must be a list, got %T", p.Field, want))
		}
		for _, elem := range list {
			if equal(got, elem) {
				return true, nil
			}
		}
		return false, nil
	case OpContains:
		switch t := got.(type) {
		case string:
			sub, ok := want.(string)
			return ok && strings.Contains(t, sub), nil
		case []any:
			for _, elem := range t {
				if equal(elem, want) {
					return true, nil
				}
			}
			return false, nil
		case map[string]any:
			key, ok := want.(string)
			if !ok {
				return false, nil
			}
			_, present := t[key]
			return present, nil
		default:
			return false, nil
		}
	}
	return false, contracts.NewError(contracts.KindInvalid, "invalid_predicate",
		fmt.Sprintf("unknown operator %q", p.Op))
}

func equal(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
		return false
	}
	return reflect.DeepEqual(a, b)
}

func compare(a, b any) (int, error) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, fmt.Errorf("cannot compare number with %T", b)
		}
		switch {
		case fa < fb:
			return -1, nil
		case fa > fb:
			return 1, nil
		}
		return 0, nil
	}
	sa, ok := a.(string)
	if !ok {
		return 0, fmt.Errorf("cannot order %T", a)
	}
	sb, ok := b.(string)
	if !ok {
		return 0, fmt.Errorf("cannot compare string with %T", b)
	}
	return strings.Compare(sa, sb), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
