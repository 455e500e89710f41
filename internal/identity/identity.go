// Package identity generates and persists participant (uid) and session
// (sid) identifiers.
package identity

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/evolv/internal/persist"
)

// Generator produces unique identifiers.
// Implemented by UUIDv7Generator (production) and FixedGenerator (tests).
type Generator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 identifiers.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
//
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}

// FixedGenerator returns predetermined identifiers for testing.
//
// Thread-safety: FixedGenerator is safe for concurrent use via internal mutex.
type FixedGenerator struct {
	mu  sync.Mutex
	ids []string
	idx int
}

// NewFixedGenerator creates a generator that returns ids in order.
//
// Example:
//
//	gen := NewFixedGenerator("uid-1", "sid-1")
//	gen.Generate() // "uid-1"
//	gen.Generate() // "sid-1"
//	gen.Generate() // panic: all ids exhausted
func NewFixedGenerator(ids ...string) *FixedGenerator {
	return &FixedGenerator{ids: ids}
}

// Generate returns the next predetermined id.
//
// Panics if all ids have been consumed, which signals a test that created
// more identities than it declared.
func (g *FixedGenerator) Generate() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.idx >= len(g.ids) {
		panic("FixedGenerator: all ids exhausted")
	}
	id := g.ids[g.idx]
	g.idx++
	return id
}

// Identity is a participant and session pair.
type Identity struct {
	UID string
	SID string
	// Created reports which ids were generated rather than loaded.
	CreatedUID bool
	CreatedSID bool
}

// Ensure returns the persisted uid and sid, generating and storing any
// that are missing. Explicit non-empty overrides win and are persisted.
func Ensure(ctx context.Context, kv persist.KV, gen Generator, uidOverride, sidOverride string) (Identity, error) {
	var id Identity
	var err error
	id.UID, id.CreatedUID, err = ensureOne(ctx, kv, gen, persist.KeyUID, uidOverride)
	if err != nil {
		return Identity{}, err
	}
	id.SID, id.CreatedSID, err = ensureOne(ctx, kv, gen, persist.KeySID, sidOverride)
	if err != nil {
		return Identity{}, err
	}
	return id, nil
}

func ensureOne(ctx context.Context, kv persist.KV, gen Generator, key, override string) (string, bool, error) {
	if override != "" {
		if err := kv.Set(ctx, key, override); err != nil {
			return "", false, fmt.Errorf("persist %s: %w", key, err)
		}
		return override, false, nil
	}
	existing, ok, err := kv.Get(ctx, key)
	if err != nil {
		return "", false, fmt.Errorf("load %s: %w", key, err)
	}
	if ok && existing != "" {
		return existing, false, nil
	}
	id := gen.Generate()
	if err := kv.Set(ctx, key, id); err != nil {
		return "", false, fmt.Errorf("persist %s: %w", key, err)
	}
	return id, true, nil
}
