package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func pred(field, op string, value any) map[string]any {
	return map[string]any{"field": field, "operator": op, "value": value}
}

func TestEvalPredicateOperators(t *testing.T) {
	ctx := map[string]any{
		"status": "active",
		"count":  float64(3),
		"tags":   []any{"a", "b"},
		"empty":  "",
	}
	cases := []struct {
		name string
		p    map[string]any
		want bool
	}{
		{"equals", pred("status", "equals", "active"), true},
		{"not_equals", pred("status", "not_equals", "inactive"), true},
		{"contains string", pred("status", "contains", "ACT"), true},
		{"contains array any-match", pred("tags", "contains", []any{"z", "b"}), true},
		{"not_contains", pred("tags", "not_contains", "z"), true},
		{"in", pred("status", "in", []any{"active", "idle"}), true},
		{"not_in", pred("status", "not_in", []any{"idle"}), true},
		{"gt", pred("count", "gt", float64(2)), true},
		{"gte", pred("count", "gte", float64(3)), true},
		{"lt", pred("count", "lt", float64(5)), true},
		{"lte", pred("count", "lte", float64(3)), true},
		{"is_empty", pred("empty", "is_empty", nil), true},
		{"is_not_empty", pred("status", "is_not_empty", nil), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, evalPredicate(tc.p, ctx, nil))
		})
	}
}

func TestEvalPredicateUnknownOperatorDefaultsOpen(t *testing.T) {
	diag := &Diagnostics{}
	got := evalPredicate(pred("status", "frobnicate", "x"), map[string]any{"status": "x"}, diag)
	require.True(t, got)
	require.Len(t, diag.Warnings, 1)
}

func TestEvalPredicateMalformedDefaultsOpen(t *testing.T) {
	diag := &Diagnostics{}
	got := evalPredicate(map[string]any{"operator": "equals"}, map[string]any{}, diag)
	require.True(t, got)
	require.Len(t, diag.Warnings, 1)
}

func TestEvalPredicateEmptyPredicateRunsStep(t *testing.T) {
	require.True(t, evalPredicate(nil, map[string]any{}, nil))
}
