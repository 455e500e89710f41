// Package store owns the participant's configuration and allocation caches
// and hands out values on demand.
//
// Consumers ask for keys with Get, GetConfig, IsActive or GetActiveKeys. A
// request is answered immediately when its keys are loaded; otherwise it is
// registered as pending, the keys are marked needed, and the pending promise
// settles when the fetch carrying them completes or fails.
//
// # Versions
//
// Version 1 fetches both documents eagerly on Initialize and ignores
// per-key need tracking. Version 2 fetches only needed keys; requests made
// within one tick are batched into a single fetch per source.
//
// # Failure
//
// A failed fetch rejects every pending request whose keys intersect the
// failed batch and moves those keys back to needed. Nothing is retried
// automatically; the next request for the key triggers a new fetch.
//
// # Context mirroring
//
// After every resolution the store writes keys.active,
// experiments.allocations and experiments.exclusions into the local layer
// of the participant context so predicates can target them.
package store
