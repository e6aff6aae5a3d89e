package checkpoint

import "math"

// Sanitize recursively replaces NaN and ±Infinity float64 values with nil
// so the result always round-trips through a strict JSON encoder (spec
// §4.2 "Sanitization" — a non-negotiable invariant on the cache tier's
// payloads). Maps, slices, and scalars are walked; unrecognized types pass
// through unchanged.
func Sanitize(v any) any {
	switch val := v.(type) {
	case float64:
		if math.IsNaN(val) || math.IsInf(val, 0) {
			return nil
		}
		return val
	case float32:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return val
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = Sanitize(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = Sanitize(elem)
		}
		return out
	default:
		return v
	}
}

// SanitizeState returns a sanitized copy of state (nested maps and []any
// slices are copied too), suitable for
// passing to json.Marshal before buffering into the cache tier.
func SanitizeState(state map[string]any) map[string]any {
	if state == nil {
		return nil
	}
	out := Sanitize(state).(map[string]any)
	return out
}
