// Package metrics counts what the client does on the wire.
//
// Metrics owns a private Prometheus registry so several clients in one
// process never collide. Fetcher and Emitter wrap the store fetcher and the
// beacon emitter; Snapshot flattens the registry for CLI output.
package metrics
