package store

import (
	"context"

	"github.com/roach88/evolv/internal/keystate"
)

// ActiveKeys is a view of the active keys under one prefix.
type ActiveKeys struct {
	store  *Store
	prefix string
}

// Prefix returns the prefix this view filters on.
func (a *ActiveKeys) Prefix() string {
	return a.prefix
}

// Wait blocks until the prefix is loaded and returns its active keys.
func (a *ActiveKeys) Wait(ctx context.Context) ([]string, error) {
	s := a.store
	p := request(s, []string{a.prefix}, []*keystate.Table{s.genome, s.config}, func() []string {
		return s.snapshot.ActiveWithPrefix(a.prefix)
	})
	return p.Wait(ctx)
}

// Listen calls fn with the current keys once the prefix is loaded and again
// whenever the set changes. The returned function stops delivery.
func (a *ActiveKeys) Listen(fn func(Change)) (cancel func()) {
	return a.store.addListener(a.prefix, fn)
}
