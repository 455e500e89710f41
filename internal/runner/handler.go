package runner

import (
	"context"
	"slices"
	"sync"

	"github.com/roach88/evolv/internal/promise"
)

// Invocation is what a handler is told about the call.
type Invocation struct {
	// Key is the registry key (the underscore-joined context key).
	Key       string
	RunNumber int
}

// Outcome is a handler's result: finished now, or finishing later.
type Outcome struct {
	err   error
	later *promise.Promise[struct{}]
}

// Done reports a synchronous result. A nil err resolves the function.
func Done(err error) Outcome {
	return Outcome{err: err}
}

// Later reports that p settles the function. A nil p never settles.
func Later(p *promise.Promise[struct{}]) Outcome {
	if p == nil {
		p = promise.New[struct{}]()
	}
	return Outcome{later: p}
}

// Async reports whether the outcome settles later.
func (o Outcome) Async() bool {
	return o.later != nil
}

// Handler applies one variant. ctx is the runner's start context; it is not
// cancelled when the function is unscheduled.
type Handler func(ctx context.Context, inv Invocation) Outcome

// Variant is a registry entry.
type Variant struct {
	Handler Handler
	// Timing is the raw annotation; empty means legacy.
	Timing string
}

// Registry is the variant registry. Variants reports false until populated.
type Registry interface {
	Variants() (map[string]Variant, bool)
}

// MapRegistry is a Registry populated in-process.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type MapRegistry struct {
	mu       sync.Mutex
	variants map[string]Variant
	ready    bool
}

// NewMapRegistry returns an unpublished registry.
func NewMapRegistry() *MapRegistry {
	return &MapRegistry{variants: make(map[string]Variant)}
}

// Register adds a variant. Registering after Publish has no effect on a
// runner that already loaded the registry.
func (r *MapRegistry) Register(key string, v Variant) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.variants[key] = v
}

// Publish marks the registry populated.
func (r *MapRegistry) Publish() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ready = true
}

// Keys returns the registered keys, sorted.
func (r *MapRegistry) Keys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.variants))
	for k := range r.variants {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Variants returns a copy of the registry once published.
func (r *MapRegistry) Variants() (map[string]Variant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.ready {
		return nil, false
	}
	out := make(map[string]Variant, len(r.variants))
	for k, v := range r.variants {
		out[k] = v
	}
	return out, true
}
