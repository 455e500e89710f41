// Package resolver turns experiment configuration, participant allocations
// and a context snapshot into the set of active keys.
//
// The walk is depth-first per experiment. A node whose _predicate rejects is
// recorded as a disabled prefix and its subtree is not visited; descendants
// are excluded by string-prefix match rather than explicit marking. Nodes
// flagged _is_entry_point record entry prefixes. Keys starting with "_" are
// metadata and never become children.
//
// Everything here is pure. The store decides what is loaded and when to
// re-run resolution; this package only computes.
package resolver
