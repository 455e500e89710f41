package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/roach88/evolv/internal/store"
)

// CachingFetcher caches successful payloads in a KV and serves the cached
// copy when the wrapped fetcher fails.
type CachingFetcher struct {
	Next   store.Fetcher
	KV     KV
	Logger *slog.Logger
}

// NewCachingFetcher wraps next.
func NewCachingFetcher(next store.Fetcher, kv KV) *CachingFetcher {
	return &CachingFetcher{Next: next, KV: kv, Logger: slog.Default()}
}

// FetchConfig fetches the configuration, falling back to the cache.
func (c *CachingFetcher) FetchConfig(ctx context.Context, req store.Request) (map[string]any, error) {
	var out map[string]any
	err := c.fetch(ctx, req, func() (any, error) {
		return c.Next.FetchConfig(ctx, req)
	}, &out)
	return out, err
}

// FetchAllocations fetches allocations, falling back to the cache.
func (c *CachingFetcher) FetchAllocations(ctx context.Context, req store.Request) ([]any, error) {
	var out []any
	err := c.fetch(ctx, req, func() (any, error) {
		return c.Next.FetchAllocations(ctx, req)
	}, &out)
	return out, err
}

func (c *CachingFetcher) fetch(ctx context.Context, req store.Request, next func() (any, error), out any) error {
	key := PayloadKey(string(req.Source), req.UID, req.Keys)

	payload, fetchErr := next()
	if fetchErr == nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode %s payload: %w", req.Source, err)
		}
		if err := c.KV.Set(ctx, key, string(encoded)); err != nil {
			c.logger().Warn("payload cache write failed", "key", key, "error", err)
		}
		return json.Unmarshal(encoded, out)
	}

	cached, ok, err := c.KV.Get(ctx, key)
	if err != nil || !ok {
		return fetchErr
	}
	if err := json.Unmarshal([]byte(cached), out); err != nil {
		return fmt.Errorf("%w (cached payload unreadable: %v)", fetchErr, err)
	}
	c.logger().Warn("serving cached payload", "key", key, "error", fetchErr)
	return nil
}

func (c *CachingFetcher) logger() *slog.Logger {
	if c.Logger == nil {
		return slog.Default()
	}
	return c.Logger
}

var _ store.Fetcher = (*CachingFetcher)(nil)
