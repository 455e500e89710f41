package persist

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/evolv/internal/keystate"
	"github.com/roach88/evolv/internal/store"
)

type flakyFetcher struct {
	err         error
	config      map[string]any
	allocations []any
}

func (f *flakyFetcher) FetchConfig(context.Context, store.Request) (map[string]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.config, nil
}

func (f *flakyFetcher) FetchAllocations(context.Context, store.Request) ([]any, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.allocations, nil
}

func TestCachingFetcherFallsBackToLastGoodPayload(t *testing.T) {
	ctx := context.Background()
	next := &flakyFetcher{
		config:      map[string]any{"_published": 1.0, "_experiments": []any{}},
		allocations: []any{map[string]any{"eid": "e1", "cid": "c1"}},
	}
	kv := NewMemory()
	f := NewCachingFetcher(next, kv)
	cfgReq := store.Request{Source: keystate.Config, UID: "u1"}
	allocReq := store.Request{Source: keystate.Genome, UID: "u1"}

	cfg, err := f.FetchConfig(ctx, cfgReq)
	require.NoError(t, err)
	assert.Equal(t, next.config, cfg)
	_, err = f.FetchAllocations(ctx, allocReq)
	require.NoError(t, err)

	next.err = errors.New("offline")
	cfg, err = f.FetchConfig(ctx, cfgReq)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"_published": 1.0, "_experiments": []any{}}, cfg)

	allocs, err := f.FetchAllocations(ctx, allocReq)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"eid": "e1", "cid": "c1"}}, allocs)

	_, err = f.FetchConfig(ctx, store.Request{Source: keystate.Config, UID: "someone-else"})
	assert.ErrorIs(t, err, next.err, "no cached copy for another participant")
}
