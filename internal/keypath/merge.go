package keypath

import "reflect"

// DeepCopy returns a structural copy of v. Maps and slices are copied
// recursively; scalars are returned as-is.
func DeepCopy(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return CopyTree(val)
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = DeepCopy(elem)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

// CopyTree deep-copies an object tree. A nil tree yields an empty map.
func CopyTree(tree map[string]any) map[string]any {
	out := make(map[string]any, len(tree))
	for k, v := range tree {
		out[k] = DeepCopy(v)
	}
	return out
}

// DeepMerge copies src into dst and returns dst. Objects present on both
// sides merge recursively; for anything else the src value overwrites dst.
func DeepMerge(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for key, value := range src {
		srcChild, srcIsMap := value.(map[string]any)
		dstChild, dstIsMap := dst[key].(map[string]any)
		if srcIsMap && dstIsMap {
			dst[key] = DeepMerge(dstChild, srcChild)
			continue
		}
		dst[key] = DeepCopy(value)
	}
	return dst
}

// Equal reports whether two trees hold the same values. Numbers compare by
// float64 value so that JSON and YAML decoded inputs agree.
func Equal(a, b any) bool {
	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			other, ok := bv[k]
			if !ok || !Equal(v, other) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	}
	if af, ok := ToFloat(a); ok {
		bf, ok := ToFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

// ToFloat converts the numeric kinds produced by encoding/json, yaml.v3 and
// Go literals to float64.
func ToFloat(v any) (float64, bool) {
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
	case uint64:
		return float64(n), true
	case uint:
		return float64(n), true
	default:
		return 0, false
	}
}
