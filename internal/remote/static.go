package remote

import (
	"context"
	"fmt"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/roach88/evolv/internal/keypath"
	"github.com/roach88/evolv/internal/store"
)

// StaticFetcher serves fixed documents. Every request receives the full
// documents regardless of the requested keys.
//
// Thread-safety: StaticFetcher is safe for concurrent use.
type StaticFetcher struct {
	mu          sync.Mutex
	config      map[string]any
	allocations []any
	err         error
	requests    []store.Request
}

// NewStaticFetcher serves config and allocations.
func NewStaticFetcher(config map[string]any, allocations []any) *StaticFetcher {
	return &StaticFetcher{config: config, allocations: allocations}
}

// ParseStatic builds a StaticFetcher from raw JSON documents.
func ParseStatic(configJSON, allocationsJSON []byte) (*StaticFetcher, error) {
	cfg := gjson.ParseBytes(configJSON)
	if !gjson.ValidBytes(configJSON) || !cfg.IsObject() {
		return nil, fmt.Errorf("configuration: expected a JSON object")
	}
	allocs := gjson.ParseBytes(allocationsJSON)
	if !gjson.ValidBytes(allocationsJSON) || !allocs.IsArray() {
		return nil, fmt.Errorf("allocations: expected a JSON array")
	}
	config, _ := cfg.Value().(map[string]any)
	list, _ := allocs.Value().([]any)
	if list == nil {
		list = []any{}
	}
	return NewStaticFetcher(config, list), nil
}

// Fail makes later fetches return err. A nil err restores normal service.
func (s *StaticFetcher) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Requests returns every request served so far.
func (s *StaticFetcher) Requests() []store.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]store.Request(nil), s.requests...)
}

// FetchConfig returns a copy of the configuration document.
func (s *StaticFetcher) FetchConfig(_ context.Context, req store.Request) (map[string]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	return keypath.CopyTree(s.config), nil
}

// FetchAllocations returns a copy of the allocation list.
func (s *StaticFetcher) FetchAllocations(_ context.Context, req store.Request) ([]any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	if s.err != nil {
		return nil, s.err
	}
	out, _ := keypath.DeepCopy(s.allocations).([]any)
	if out == nil {
		out = []any{}
	}
	return out, nil
}

var _ store.Fetcher = (*StaticFetcher)(nil)
