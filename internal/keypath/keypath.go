package keypath

import (
	"sort"
	"strings"
)

// Separator joins path segments.
const Separator = "."

// Split breaks a key path into its segments. The empty path has no segments.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, Separator)
}

// Join concatenates a prefix and a key, omitting the separator for an empty prefix.
func Join(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + Separator + key
}

// Get resolves path inside tree. Missing intermediates report false and never panic.
// The empty path resolves to the tree itself.
func Get(tree map[string]any, path string) (any, bool) {
	if tree == nil {
		return nil, false
	}
	var current any = tree
	for _, segment := range Split(path) {
		node, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = node[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Set stores value at path, creating intermediate objects as needed.
// A non-object intermediate is replaced by an object.
func Set(tree map[string]any, path string, value any) {
	segments := Split(path)
	if len(segments) == 0 {
		return
	}
	node := tree
	for _, segment := range segments[:len(segments)-1] {
		next, ok := node[segment].(map[string]any)
		if !ok {
			next = make(map[string]any)
			node[segment] = next
		}
		node = next
	}
	node[segments[len(segments)-1]] = value
}

// Remove deletes the value at path and reports whether anything was removed.
// Objects left empty by the removal are pruned.
func Remove(tree map[string]any, path string) bool {
	segments := Split(path)
	if len(segments) == 0 || tree == nil {
		return false
	}
	return remove(tree, segments)
}

func remove(node map[string]any, segments []string) bool {
	head := segments[0]
	if len(segments) == 1 {
		if _, ok := node[head]; !ok {
			return false
		}
		delete(node, head)
		return true
	}
	child, ok := node[head].(map[string]any)
	if !ok {
		return false
	}
	removed := remove(child, segments[1:])
	if removed && len(child) == 0 {
		delete(node, head)
	}
	return removed
}

// Flatten returns the leaf values of tree keyed by dot path.
// Empty objects are kept as leaves so that Expand round-trips them.
func Flatten(tree map[string]any) map[string]any {
	out := make(map[string]any)
	flatten(tree, "", out)
	return out
}

func flatten(node map[string]any, prefix string, out map[string]any) {
	for key, value := range node {
		path := Join(prefix, key)
		if child, ok := value.(map[string]any); ok && len(child) > 0 {
			flatten(child, path, out)
			continue
		}
		out[path] = DeepCopy(value)
	}
}

// Expand is the inverse of Flatten.
func Expand(flat map[string]any) map[string]any {
	out := make(map[string]any)
	for _, path := range SortedKeys(flat) {
		Set(out, path, DeepCopy(flat[path]))
	}
	return out
}

// Filter returns a copy of tree holding only the leaves whose path satisfies keep.
func Filter(tree map[string]any, keep func(path string) bool) map[string]any {
	out := make(map[string]any)
	for path, value := range Flatten(tree) {
		if keep(path) {
			Set(out, path, value)
		}
	}
	return out
}

// Prefixes returns the path of every object node in tree, skipping metadata
// segments (those starting with "_"). The result is sorted.
func Prefixes(tree map[string]any) []string {
	var out []string
	var walk func(node map[string]any, prefix string)
	walk = func(node map[string]any, prefix string) {
		for key, value := range node {
			if strings.HasPrefix(key, "_") {
				continue
			}
			child, ok := value.(map[string]any)
			if !ok {
				continue
			}
			path := Join(prefix, key)
			out = append(out, path)
			walk(child, path)
		}
	}
	walk(tree, "")
	sort.Strings(out)
	return out
}

// Covers reports whether prefix addresses key or one of its ancestors on a
// segment boundary. The empty prefix covers every key.
func Covers(prefix, key string) bool {
	if prefix == "" || prefix == key {
		return true
	}
	return strings.HasPrefix(key, prefix+Separator)
}

// SortedKeys returns the keys of m in ascending byte order.
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
