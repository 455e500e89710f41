// Package usercontext holds the participant context that predicates are
// evaluated against.
//
// The context has two layers. The remote layer is shared with the
// allocation service; the local layer never leaves the process. Reads see
// the effective view DeepMerge(local, remote): remote values win on
// conflicting leaves.
//
// Lifecycle: New → Initialize (exactly once) → Set/Remove/Update → Destroy.
// Every mutation posts change events through the injected loop.Poster, so
// subscribers observe changes serialized with the rest of the runtime.
package usercontext
