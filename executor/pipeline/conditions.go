package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sopforge/orchestrator/dotpath"
)

// evalPredicate evaluates a run_if/skip_if predicate map against context,
// implementing the twelve conditional operators from spec §4.4. An
// unknown operator or malformed predicate defaults open (the step runs)
// with a warning, per spec's explicit "default-open" rule.
func evalPredicate(pred map[string]any, context map[string]any, diag *Diagnostics) bool {
	if len(pred) == 0 {
		return true
	}
	field, _ := pred["field"].(string)
	op, _ := pred["operator"].(string)
	expected := pred["value"]
	if field == "" || op == "" {
		diag.Warn("malformed predicate %v, defaulting open", pred)
		return true
	}
	actual, _ := dotpath.Get(context, field)

	switch op {
	case "equals":
		return compareEqual(actual, expected)
	case "not_equals":
		return !compareEqual(actual, expected)
	case "contains":
		return containsMatch(actual, expected)
	case "not_contains":
		return !containsMatch(actual, expected)
	case "in":
		return containsMatch(expected, actual)
	case "not_in":
		return !containsMatch(expected, actual)
	case "gt":
		return numericCompare(actual, expected, func(a, b float64) bool { return a > b })
	case "gte":
		return numericCompare(actual, expected, func(a, b float64) bool { return a >= b })
	case "lt":
		return numericCompare(actual, expected, func(a, b float64) bool { return a < b })
	case "lte":
		return numericCompare(actual, expected, func(a, b float64) bool { return a <= b })
	case "is_empty":
		return dotpath.IsEmptyValue(actual)
	case "is_not_empty":
		return !dotpath.IsEmptyValue(actual)
	default:
		diag.Warn("unknown conditional operator %q, defaulting open", op)
		return true
	}
}

func compareEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// containsMatch reports whether haystack contains needle. When haystack
// is a list, an expected list of candidates means ANY-match; strings are
// compared case-insensitively (spec §4.4).
func containsMatch(haystack, needle any) bool {
	switch h := haystack.(type) {
	case []any:
		candidates := toCandidates(needle)
		for _, item := range h {
			for _, c := range candidates {
				if compareEqual(item, c) || stringsEqualFold(item, c) {
					return true
				}
			}
		}
		return false
	case string:
		for _, c := range toCandidates(needle) {
			if s, ok := c.(string); ok && strings.Contains(strings.ToLower(h), strings.ToLower(s)) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func toCandidates(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

func stringsEqualFold(a, b any) bool {
	as, aok := a.(string)
	bs, bok := b.(string)
	return aok && bok && strings.EqualFold(as, bs)
}

func numericCompare(a, b any, cmp func(a, b float64) bool) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if !aok || !bok {
		return false
	}
	return cmp(af, bf)
}

// toFloat coerces numbers and numeric strings, per spec §4.4's "numeric,
// string coercion allowed".
func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}
