// Package config loads and validates runtime options.
//
// Options files are YAML. Before decoding, the document is checked against
// the embedded CUE schema (schema.cue), which rejects unknown fields and
// wrong types with the offending field path. Defaults are applied in Go, so
// options built in code go through the same Validate path as loaded ones.
package config
