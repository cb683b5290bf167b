package graph

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint hashes the content of a record or document, ignoring bookkeeping
// fields. Two maps with the same content produce the same fingerprint regardless of
// key order or of how their numbers were decoded (int, float64, json.Number).
func Fingerprint(m map[string]any) (uint64, error) {
	data, err := CanonicalJSON(m)
	if err != nil {
		return 0, err
	}
	return xxhash.Sum64(data), nil
}

// CanonicalJSON encodes the non-reserved fields of m with sorted keys at every level.
func CanonicalJSON(m map[string]any) ([]byte, error) {
	content := make(map[string]any, len(m))
	for k, v := range m {
		if IsReserved(k) {
			continue
		}
		content[k] = normalize(v)
	}
	data, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("fingerprint: %w", err)
	}
	return data, nil
}

// normalize rewrites json.Number leaves into int64 or float64 and named map/slice
// types into their generic forms so encoding is representation independent.
func normalize(v any) any {
	switch x := v.(type) {
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return string(x)
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, e := range x {
			out[k] = normalize(e)
		}
		return out
	case Record:
		return normalize(map[string]any(x))
	case Document:
		return normalize(map[string]any(x))
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case []map[string]any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = normalize(e)
		}
		return out
	case float64:
		// 2.0 and 2 must hash alike
		if i, ok := Int64(x); ok && float64(i) == x {
			return i
		}
		return x
	default:
		return v
	}
}
