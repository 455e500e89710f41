package remote

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/roach88/evolv/internal/store"
)

// maxDocumentSize bounds how much of a response body is read.
const maxDocumentSize = 8 << 20

// HTTPFetcher fetches documents over HTTP.
//
// Thread-safety: HTTPFetcher is safe for concurrent use. Identical
// concurrent requests share one round trip.
type HTTPFetcher struct {
	Endpoint    string
	Environment string
	Client      *http.Client
	Logger      *slog.Logger

	group singleflight.Group
}

// NewHTTPFetcher creates a fetcher for endpoint and environment.
func NewHTTPFetcher(endpoint, environment string) *HTTPFetcher {
	return &HTTPFetcher{
		Endpoint:    strings.TrimRight(endpoint, "/"),
		Environment: environment,
		Client:      http.DefaultClient,
		Logger:      slog.Default(),
	}
}

// FetchConfig retrieves configuration.json.
func (f *HTTPFetcher) FetchConfig(ctx context.Context, req store.Request) (map[string]any, error) {
	doc, err := f.get(ctx, f.url(req, "configuration.json"))
	if err != nil {
		return nil, err
	}
	if !doc.IsObject() {
		return nil, fmt.Errorf("configuration: expected a JSON object, got %s", doc.Type)
	}
	out, _ := doc.Value().(map[string]any)
	return out, nil
}

// FetchAllocations retrieves the allocation list.
func (f *HTTPFetcher) FetchAllocations(ctx context.Context, req store.Request) ([]any, error) {
	doc, err := f.get(ctx, f.url(req, "allocations"))
	if err != nil {
		return nil, err
	}
	if !doc.IsArray() {
		return nil, fmt.Errorf("allocations: expected a JSON array, got %s", doc.Type)
	}
	out, _ := doc.Value().([]any)
	if out == nil {
		out = []any{}
	}
	return out, nil
}

func (f *HTTPFetcher) url(req store.Request, document string) string {
	u := fmt.Sprintf("%s/v1/%s/%s/%s",
		f.Endpoint, url.PathEscape(f.Environment), url.PathEscape(req.UID), document)
	if len(req.Keys) > 0 {
		u += "?keys=" + url.QueryEscape(strings.Join(req.Keys, ","))
	}
	return u
}

// get performs one GET, sharing the round trip with identical in-flight
// requests.
func (f *HTTPFetcher) get(ctx context.Context, u string) (gjson.Result, error) {
	v, err, shared := f.group.Do(u, func() (any, error) {
		return f.do(ctx, u)
	})
	if err != nil {
		return gjson.Result{}, err
	}
	if shared {
		f.logger().Debug("fetch shared", "url", u)
	}
	return v.(gjson.Result), nil
}

func (f *HTTPFetcher) do(ctx context.Context, u string) (gjson.Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("get %s: %w", u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read %s: %w", u, err)
	}
	if resp.StatusCode/100 != 2 {
		return gjson.Result{}, fmt.Errorf("get %s: unexpected status %s", u, resp.Status)
	}
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("get %s: response is not valid JSON", u)
	}
	f.logger().Debug("fetched", "url", u, "bytes", len(body))
	return gjson.ParseBytes(body), nil
}

func (f *HTTPFetcher) logger() *slog.Logger {
	if f.Logger == nil {
		return slog.Default()
	}
	return f.Logger
}

var _ store.Fetcher = (*HTTPFetcher)(nil)
