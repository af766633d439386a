package engine

import (
	"strings"

	"relaycrm/models"
)

// Operators supported by condition leaves
const (
	OpEquals      = "equals"
	OpNotEquals   = "not_equals"
	OpGreaterThan = "greater_than"
	OpLessThan    = "less_than"
	OpContains    = "contains"
	OpNotContains = "not_contains"
	OpIsSet       = "is_set"
	OpIsNotSet    = "is_not_set"
)

// ConditionTrace records the outcome of one leaf evaluation, for the
// dry-run harness.
type ConditionTrace struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value,omitempty"`
	Actual   interface{} `json:"actual,omitempty"`
	Passed   bool        `json:"passed"`
}

// Evaluate runs a condition tree against an entity snapshot. Pure: no
// side effects, no I/O, deterministic for a given (tree, snapshot).
func Evaluate(node models.ConditionNode, snapshot map[string]interface{}) bool {
	return evaluateNode(node, snapshot, nil)
}

// EvaluateTrace is Evaluate plus a per-leaf trace appended to trace.
func EvaluateTrace(node models.ConditionNode, snapshot map[string]interface{}, trace *[]ConditionTrace) bool {
	return evaluateNode(node, snapshot, trace)
}

func evaluateNode(node models.ConditionNode, snapshot map[string]interface{}, trace *[]ConditionTrace) bool {
	switch {
	case len(node.All) > 0:
		for _, child := range node.All {
			if !evaluateNode(child, snapshot, trace) {
				return false
			}
		}
		return true
	case node.Any != nil:
		// An empty any has no branch to match and is false, unlike an
		// empty all which constrains nothing
		matched := false
		for _, child := range node.Any {
			// No short-circuit so the trace covers every branch
			if evaluateNode(child, snapshot, trace) {
				matched = true
			}
		}
		return matched
	case node.Not != nil:
		return !evaluateNode(*node.Not, snapshot, trace)
	case node.IsLeaf():
		return evaluateLeaf(node, snapshot, trace)
	default:
		// Empty tree: the automation has no conditions
		return true
	}
}

func evaluateLeaf(node models.ConditionNode, snapshot map[string]interface{}, trace *[]ConditionTrace) bool {
	actual := LookupPath(snapshot, node.Field)

	var passed bool
	switch node.Operator {
	case OpIsSet:
		passed = actual != nil
	case OpIsNotSet:
		passed = actual == nil
	case OpEquals:
		passed = actual != nil && looseEqual(actual, node.Value)
	case OpNotEquals:
		// Null satisfies not_equals; anything else compares
		passed = actual == nil || !looseEqual(actual, node.Value)
	case OpGreaterThan:
		cmp, ok := compareValues(actual, node.Value)
		passed = ok && cmp > 0
	case OpLessThan:
		cmp, ok := compareValues(actual, node.Value)
		passed = ok && cmp < 0
	case OpContains:
		passed = containsValue(actual, node.Value)
	case OpNotContains:
		passed = actual != nil && !containsValue(actual, node.Value)
	default:
		// Unknown operator never matches rather than erroring out
		passed = false
	}

	if trace != nil {
		*trace = append(*trace, ConditionTrace{
			Field:    node.Field,
			Operator: node.Operator,
			Value:    node.Value,
			Actual:   actual,
			Passed:   passed,
		})
	}
	return passed
}

// LookupPath resolves a dotted field path into a snapshot. A missing
// segment yields nil.
func LookupPath(snapshot map[string]interface{}, path string) interface{} {
	if path == "" {
		return nil
	}

	var current interface{} = snapshot
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[segment]
		if !ok {
			return nil
		}
	}
	return current
}

// looseEqual compares two values of the same runtime family. Numbers
// compare numerically across int/float kinds; everything else requires
// matching types. Mismatches are false, never an error.
func looseEqual(a, b interface{}) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}

	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	default:
		return false
	}
}

// compareValues orders two values: numerically when both are numbers,
// lexicographically when both are strings. Anything else is not
// comparable.
func compareValues(a, b interface{}) (int, bool) {
	if a == nil || b == nil {
		return 0, false
	}

	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af > bf:
			return 1, true
		case af < bf:
			return -1, true
		default:
			return 0, true
		}
	}

	as, aok := a.(string)
	bs, bok := b.(string)
	if aok && bok {
		return strings.Compare(as, bs), true
	}

	return 0, false
}

// containsValue implements substring match for strings and element
// match for arrays.
func containsValue(haystack, needle interface{}) bool {
	switch hv := haystack.(type) {
	case string:
		nv, ok := needle.(string)
		return ok && strings.Contains(hv, nv)
	case []interface{}:
		for _, item := range hv {
			if looseEqual(item, needle) {
				return true
			}
		}
		return false
	case []string:
		nv, ok := needle.(string)
		if !ok {
			return false
		}
		for _, item := range hv {
			if item == nv {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toFloat(v interface{}) (float64, bool) {
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
	default:
		return 0, false
	}
}
