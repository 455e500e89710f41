// Package keypath provides dot-path addressing over hierarchical key-value trees.
//
// Trees are the shapes produced by decoding JSON or YAML into Go values:
// map[string]any for objects, []any for arrays and scalars at the leaves.
// Every helper in this package treats its inputs as read-only and returns
// fresh maps, so callers can hand out results without aliasing live state.
//
// Key paths use "." as the separator ("web.page.header"). Segments that
// begin with "_" are metadata by convention; Prefixes and the resolver skip
// them, the flatten/expand helpers do not.
package keypath
