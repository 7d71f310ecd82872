package engine

import (
	"encoding/json"
	"fmt"
	"reflect"

	"siteflow/internal/domain"
)

var conditionOps = map[string]bool{
	"eq": true, "neq": true, "in": true, "exists": true,
	"gt": true, "gte": true, "lt": true, "lte": true,
}

func validateCondition(c *domain.Condition) error {
	if c == nil {
		return nil
	}
	if c.Field == "" {
		return invalidInput("condition field required")
	}
	if !conditionOps[c.Op] {
		return invalidInput("unknown condition op %q", c.Op)
	}
	if c.Op == "in" {
		if _, ok := c.Value.([]any); !ok {
			return invalidInput("condition op in needs a list value")
		}
	}
	return nil
}

// Evaluate reports whether c holds against vars. A nil condition holds.
// Missing variables only satisfy neq.
func Evaluate(c *domain.Condition, vars map[string]any) bool {
	if c == nil {
		return true
	}
	v, present := vars[c.Field]
	if c.Op == "exists" {
		want := true
		if b, ok := c.Value.(bool); ok {
			want = b
		}
		return (present && v != nil) == want
	}
	if !present {
		return c.Op == "neq"
	}
	switch c.Op {
	case "eq":
		return equalValues(v, c.Value)
	case "neq":
		return !equalValues(v, c.Value)
	case "in":
		list, _ := c.Value.([]any)
		for _, item := range list {
			if equalValues(v, item) {
				return true
			}
		}
		return false
	case "gt", "gte", "lt", "lte":
		cmp, ok := compareValues(v, c.Value)
		if !ok {
			return false
		}
		switch c.Op {
		case "gt":
			return cmp > 0
		case "gte":
			return cmp >= 0
		case "lt":
			return cmp < 0
		default:
			return cmp <= 0
		}
	}
	return false
}

// ResolveAssignee returns the assignee of the first rule whose condition
// holds, or nil.
func ResolveAssignee(rules []domain.AssignmentRule, attrs map[string]any) *string {
	for _, r := range rules {
		if Evaluate(r.When, attrs) {
			a := r.Assignee
			return &a
		}
	}
	return nil
}

func equalValues(a, b any) bool {
	if fa, ok := toFloat(a); ok {
		if fb, ok := toFloat(b); ok {
			return fa == fb
		}
	}
	return reflect.DeepEqual(a, b) || fmt.Sprint(a) == fmt.Sprint(b)
}

// compareValues orders numbers numerically and everything else as text,
// which matches ISO dates.
func compareValues(a, b any) (int, bool) {
	fa, okA := toFloat(a)
	fb, okB := toFloat(b)
	if okA && okB {
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	sa, okA := a.(string)
	sb, okB := b.(string)
	if !okA || !okB {
		return 0, false
	}
	switch {
	case sa < sb:
		return -1, true
	case sa > sb:
		return 1, true
	}
	return 0, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
