package engine_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"siteflow/internal/domain"
	"siteflow/internal/engine"
)

func TestEvaluate(t *testing.T) {
	vars := map[string]any{
		"region": "north",
		"floors": 12.0,
		"poured": "2024-03-05",
		"empty":  nil,
	}
	cases := []struct {
		cond *domain.Condition
		want bool
	}{
		{nil, true},
		{&domain.Condition{Field: "region", Op: "eq", Value: "north"}, true},
		{&domain.Condition{Field: "region", Op: "neq", Value: "north"}, false},
		{&domain.Condition{Field: "missing", Op: "neq", Value: "x"}, true},
		{&domain.Condition{Field: "missing", Op: "eq", Value: "x"}, false},
		{&domain.Condition{Field: "floors", Op: "eq", Value: 12}, true},
		{&domain.Condition{Field: "floors", Op: "gt", Value: 10}, true},
		{&domain.Condition{Field: "floors", Op: "lte", Value: 11}, false},
		{&domain.Condition{Field: "poured", Op: "gte", Value: "2024-03-01"}, true},
		{&domain.Condition{Field: "region", Op: "gt", Value: 3}, false},
		{&domain.Condition{Field: "region", Op: "in", Value: []any{"south", "north"}}, true},
		{&domain.Condition{Field: "region", Op: "in", Value: []any{"east"}}, false},
		{&domain.Condition{Field: "region", Op: "exists"}, true},
		{&domain.Condition{Field: "empty", Op: "exists"}, false},
		{&domain.Condition{Field: "missing", Op: "exists", Value: false}, true},
	}
	for i, tc := range cases {
		assert.Equal(t, tc.want, engine.Evaluate(tc.cond, vars), "case %d: %+v", i, tc.cond)
	}
}

func TestResolveAssignee(t *testing.T) {
	rules := []domain.AssignmentRule{
		{When: &domain.Condition{Field: "floors", Op: "gt", Value: 20}, Assignee: "tower-crew"},
		{When: &domain.Condition{Field: "region", Op: "eq", Value: "north"}, Assignee: "north-crew"},
		{Assignee: "default-crew"},
	}
	got := engine.ResolveAssignee(rules, map[string]any{"floors": 30, "region": "north"})
	assert.Equal(t, "tower-crew", *got, "first match wins")
	got = engine.ResolveAssignee(rules, map[string]any{"floors": 3, "region": "north"})
	assert.Equal(t, "north-crew", *got)
	got = engine.ResolveAssignee(rules, nil)
	assert.Equal(t, "default-crew", *got)
	assert.Nil(t, engine.ResolveAssignee(rules[:2], nil))
}
