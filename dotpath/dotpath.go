// Package dotpath implements get/set/has semantics over dot-notation paths
// into a nested map[string]any tree, as used by the run data store
// (spec §3), the pipeline interpreter's placeholder rendering (spec §4.4),
// and the graph planner's current-keys computation (spec §4.5).
//
// A path segment that parses as a non-negative integer addresses a list
// index; any other segment addresses a map key. Mutation auto-creates
// intermediate maps. List growth by assignment is not supported: writing
// to an out-of-range index is an error, matching spec §6's "list growth
// is not supported by assignment (only replacement of entire lists)".
//
// No third-party library in the retrieved examples implements dot-path
// tree mutation with list-index segments and auto-vivification; this is
// built on the standard library and documented as such in DESIGN.md.
package dotpath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrNotFound indicates a path does not resolve to a value in the tree.
var ErrNotFound = errors.New("dotpath: not found")

// Split breaks a dot-notation path into its segments.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Get resolves path against root and returns the value found there.
// The boolean return indicates whether the full path resolved.
func Get(root map[string]any, path string) (any, bool) {
	segs := Split(path)
	if len(segs) == 0 {
		return nil, false
	}
	var cur any = root
	for _, seg := range segs {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, true
}

// Has reports whether path resolves to a non-empty value in root. Empty
// follows the same definition pipeline conditionals use for is_empty:
// nil, "", empty slice/map, 0, and false are all considered empty.
func Has(root map[string]any, path string) bool {
	v, ok := Get(root, path)
	if !ok {
		return false
	}
	return !IsEmptyValue(v)
}

// IsEmptyValue reports whether v is one of the "empty" sentinels used by
// the planner's current_keys computation and the pipeline's is_empty /
// is_not_empty conditional operators (spec §4.4, §4.5).
func IsEmptyValue(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case int:
		return t == 0
	case int64:
		return t == 0
	case float64:
		return t == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	default:
		return false
	}
}

// Set writes value at path within root, creating intermediate maps as
// needed. Returns an error if an intermediate segment addresses a list
// with an out-of-range index (list growth by assignment is unsupported)
// or if a non-terminal segment addresses a scalar.
func Set(root map[string]any, path string, value any) error {
	segs := Split(path)
	if len(segs) == 0 {
		return fmt.Errorf("dotpath: empty path")
	}
	return setRec(root, segs, value)
}

func setRec(node map[string]any, segs []string, value any) error {
	seg := segs[0]
	if len(segs) == 1 {
		node[seg] = value
		return nil
	}
	next := segs[1]
	if _, err := strconv.Atoi(next); err == nil {
		// Next segment addresses a list index: the current segment must
		// already hold a list we can index into (no growth by assignment).
		child, ok := node[seg]
		if !ok {
			return fmt.Errorf("dotpath: %w: %q has no list to index into", ErrNotFound, seg)
		}
		list, ok := child.([]any)
		if !ok {
			return fmt.Errorf("dotpath: segment %q is not a list", seg)
		}
		idx, _ := strconv.Atoi(next)
		if idx < 0 || idx >= len(list) {
			return fmt.Errorf("dotpath: index %d out of range for %q (list growth by assignment unsupported)", idx, seg)
		}
		if len(segs) == 2 {
			list[idx] = value
			return nil
		}
		elem, ok := list[idx].(map[string]any)
		if !ok {
			return fmt.Errorf("dotpath: element %d of %q is not a map", idx, seg)
		}
		return setRec(elem, segs[2:], value)
	}
	child, ok := node[seg]
	if !ok {
		child = map[string]any{}
		node[seg] = child
	}
	childMap, ok := child.(map[string]any)
	if !ok {
		return fmt.Errorf("dotpath: segment %q is not a map", seg)
	}
	return setRec(childMap, segs[1:], value)
}

// Render substitutes {path.to.field} placeholders in tmpl using root.
// A missing first segment is fatal and returns the list of available
// top-level keys (spec §4.4: "Missing first segment → fatal with the
// list of available keys"). A missing deeper segment substitutes the
// empty string.
func Render(tmpl string, root map[string]any) (string, error) {
	var sb strings.Builder
	i := 0
	for i < len(tmpl) {
		open := strings.IndexByte(tmpl[i:], '{')
		if open < 0 {
			sb.WriteString(tmpl[i:])
			break
		}
		sb.WriteString(tmpl[i : i+open])
		start := i + open + 1
		close := strings.IndexByte(tmpl[start:], '}')
		if close < 0 {
			sb.WriteString(tmpl[i+open:])
			break
		}
		path := tmpl[start : start+close]
		segs := Split(path)
		if len(segs) == 0 {
			sb.WriteString("{}")
			i = start + close + 1
			continue
		}
		if _, ok := root[segs[0]]; !ok {
			keys := make([]string, 0, len(root))
			for k := range root {
				keys = append(keys, k)
			}
			return "", fmt.Errorf("dotpath: render: unknown field %q, available keys: %v", segs[0], keys)
		}
		v, ok := Get(root, path)
		if !ok {
			v = ""
		}
		sb.WriteString(fmt.Sprintf("%v", v))
		i = start + close + 1
	}
	return sb.String(), nil
}

// Keys returns the set of non-empty dot-notation paths present in root,
// used by the planner to compute current_keys (spec §4.5). Paths descend
// into nested maps; list elements are not individually enumerated since
// produces/requires never name list-internal paths as a set member.
func Keys(root map[string]any) map[string]struct{} {
	out := map[string]struct{}{}
	collectKeys(root, "", out)
	return out
}

func collectKeys(node map[string]any, prefix string, out map[string]struct{}) {
	for k, v := range node {
		path := k
		if prefix != "" {
			path = prefix + "." + k
		}
		if IsEmptyValue(v) {
			continue
		}
		out[path] = struct{}{}
		if child, ok := v.(map[string]any); ok {
			collectKeys(child, path, out)
		}
	}
}
