// Package beacon records and ships confirmation and contamination events.
//
// Emitters never return errors to the code that emits: telemetry failures
// are logged and dropped. Recorder keeps events in memory for tests and the
// CLI; HTTPEmitter batches events and posts them to the events endpoint,
// throttled by a token bucket.
package beacon
