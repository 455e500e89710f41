package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/evolv/internal/assets"
	"github.com/roach88/evolv/internal/beacon"
	"github.com/roach88/evolv/internal/config"
	"github.com/roach88/evolv/internal/identity"
	"github.com/roach88/evolv/internal/keypath"
	"github.com/roach88/evolv/internal/metrics"
	"github.com/roach88/evolv/internal/page"
	"github.com/roach88/evolv/internal/persist"
	"github.com/roach88/evolv/internal/remote"
	"github.com/roach88/evolv/internal/runner"
	"github.com/roach88/evolv/internal/store"
	"github.com/roach88/evolv/internal/testutil"
)

func variant(id, state, color, header string) map[string]any {
	var pred any
	if state != "" {
		pred = map[string]any{"combinator": "and", "rules": []any{
			map[string]any{"field": "state", "operator": "equal", "value": state},
		}}
	}
	return map[string]any{
		"_predicate":               pred,
		"_predicate_assignment_id": id,
		"_value":                   map[string]any{"color": color, "header": header},
	}
}

func buttonFetcher() *remote.StaticFetcher {
	return remote.NewStaticFetcher(
		map[string]any{
			"_published": 1.0,
			"_experiments": []any{
				map[string]any{
					"id": "exp1",
					"web": map[string]any{
						"page": map[string]any{
							"_is_entry_point": true,
							"button":          map[string]any{},
						},
					},
				},
			},
		},
		[]any{
			map[string]any{
				"uid": "uid-1", "sid": "sid-1", "eid": "exp1", "cid": "cid-1",
				"genome": map[string]any{
					"web": map[string]any{"page": map[string]any{"button": map[string]any{
						"_predicated_variants_group_id": "g1",
						"_predicated_values": []any{
							variant("red", "TX", "rgb(255,0,0)", "Red"),
							variant("blue", "CA", "rgb(0,0,255)", "Blue"),
							variant("purple", "", "rgb(128,0,128)", "Purple"),
						},
					}}},
				},
			},
		},
	)
}

// button is the page state the variant handlers mutate.
type button struct {
	mu     sync.Mutex
	color  string
	header string
	calls  []string
}

func (b *button) apply(key string, v any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = append(b.calls, key)
	if m, ok := v.(map[string]any); ok {
		b.color, _ = m["color"].(string)
		b.header, _ = m["header"].(string)
	}
}

func (b *button) state() (color, header string, calls []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.color, b.header, append([]string(nil), b.calls...)
}

type harness struct {
	client   *Client
	runner   *runner.Runner
	doc      *page.Memory
	clock    *testutil.FakeClock
	recorder *beacon.Recorder
	button   *button
}

func newHarness(t *testing.T, fetcher *remote.StaticFetcher) *harness {
	t.Helper()
	ctx := context.Background()
	h := &harness{
		doc:      page.NewMemory(true, true),
		clock:    testutil.NewFakeClock(time.Unix(1700000000, 0)),
		recorder: &beacon.Recorder{},
		button:   &button{},
	}

	c, err := New(config.Options{Environment: "test"}, Deps{
		Fetcher:   fetcher,
		Emitter:   h.recorder,
		Generator: identity.NewFixedGenerator("uid-1", "sid-1"),
		Clock:     h.clock,
	})
	require.NoError(t, err)
	t.Cleanup(c.Destroy)
	require.NoError(t, c.Initialize(ctx, nil, nil))
	h.client = c

	reg := runner.NewMapRegistry()
	reg.Register("evolv_web_page", runner.Variant{Handler: func(ctx context.Context, inv runner.Invocation) runner.Outcome {
		h.button.apply(inv.Key, nil)
		return runner.Done(nil)
	}})
	for _, id := range []string{"red", "blue", "purple"} {
		reg.Register("evolv_web_page_button_"+id, runner.Variant{Handler: func(ctx context.Context, inv runner.Invocation) runner.Outcome {
			v, err := c.Get(ctx, "web.page.button")
			if err == nil {
				h.button.apply(inv.Key, v)
			}
			return runner.Done(err)
		}})
	}
	reg.Publish()

	h.runner = runner.New(c, h.doc, reg, runner.WithPoster(c.Loop()), runner.WithClock(h.clock))
	t.Cleanup(h.runner.Stop)
	assets.New(c, h.doc, h.runner).Start()
	h.runner.Start(ctx)
	c.Loop().Drain()

	h.clock.Advance(0)
	h.settle(t)
	return h
}

// settle waits for the loaded keys under web and runs every queued task.
func (h *harness) settle(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := h.client.GetActiveKeys("web").Wait(ctx)
	require.NoError(t, err)
	h.client.Loop().Drain()
}

func (h *harness) set(t *testing.T, key string, value any) {
	t.Helper()
	_, err := h.client.Context().Set(key, value, false)
	require.NoError(t, err)
	h.client.Loop().Drain()
}

func TestNewRejectsInvalidOptions(t *testing.T) {
	_, err := New(config.Options{}, Deps{})
	var ce *config.Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "environment", ce.Field)

	_, err = New(config.Options{Environment: "test", Version: 3}, Deps{})
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, "version", ce.Field)
}

func TestPredicatedButtonScenario(t *testing.T) {
	h := newHarness(t, buttonFetcher())

	assert.Equal(t, []string{"evolv_web", "evolv_web_page"}, h.doc.Classes())
	assert.Equal(t, runner.LevelImmediate, h.runner.RunLevel())
	assert.Empty(t, h.recorder.Events(), "legacy functions wait for the legacy level")

	h.clock.Advance(runner.DefaultLegacyPollingInterval)
	h.client.Loop().Drain()
	assert.Equal(t, runner.LevelLegacy, h.runner.RunLevel())
	_, _, calls := h.button.state()
	assert.Equal(t, []string{"evolv_web_page"}, calls)
	require.Len(t, h.recorder.OfType(beacon.TypeConfirmation), 1)
	assert.Equal(t, []string{"exp1"}, h.client.Confirmations())

	h.set(t, "state", "TX")
	color, header, _ := h.button.state()
	assert.Equal(t, "rgb(255,0,0)", color)
	assert.Equal(t, "Red", header)
	assert.Contains(t, h.doc.Classes(), "evolv_web_page_button_red")

	h.set(t, "state", "CA")
	color, header, _ = h.button.state()
	assert.Equal(t, "rgb(0,0,255)", color)
	assert.Equal(t, "Blue", header)
	assert.Contains(t, h.doc.Classes(), "evolv_web_page_button_blue")
	assert.NotContains(t, h.doc.Classes(), "evolv_web_page_button_red")

	assert.Len(t, h.recorder.OfType(beacon.TypeConfirmation), 1, "an allocation confirms once")
	assert.Empty(t, h.recorder.OfType(beacon.TypeContamination))

	ev := h.recorder.OfType(beacon.TypeConfirmation)[0]
	assert.Equal(t, beacon.Event{
		Type: beacon.TypeConfirmation, UID: "uid-1", SID: "sid-1", EID: "exp1", CID: "cid-1",
		Timestamp: h.clock.Now(),
	}, ev)
}

func TestNoExperimentsScenario(t *testing.T) {
	h := newHarness(t, remote.NewStaticFetcher(map[string]any{}, []any{}))

	keys, err := h.client.GetActiveKeys("web").Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{}, keys)

	h.clock.Advance(runner.DefaultLegacyPollingInterval)
	h.client.Loop().Drain()

	assert.Empty(t, h.doc.Classes())
	assert.Empty(t, h.recorder.Events())
	assert.Empty(t, h.client.Confirmations())
}

func TestContaminateRecordsOnceAndBlocksConfirm(t *testing.T) {
	h := newHarness(t, buttonFetcher())

	h.client.Contaminate(runner.ReasonErrorThrown, "boom")
	h.client.Contaminate(runner.ReasonErrorThrown, "again")
	h.client.Confirm()

	events := h.recorder.Events()
	require.Len(t, events, 1)
	assert.Equal(t, beacon.TypeContamination, events[0].Type)
	assert.Equal(t, "boom", events[0].Details)
	assert.Equal(t, []string{"exp1"}, h.client.Contaminations())

	records, _, err := h.client.Context().Get(ContextContaminations)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{
		"cid": "cid-1", "eid": "exp1", "reason": runner.ReasonErrorThrown, "details": "boom",
		"timestamp": h.clock.Now().UnixMilli(),
	}}, records)
}

func TestContaminateAfterConfirm(t *testing.T) {
	h := newHarness(t, buttonFetcher())

	h.client.Confirm()
	h.client.Contaminate(runner.ReasonErrorThrown, "late failure")
	h.client.Contaminate(runner.ReasonErrorThrown, "again")
	h.client.Confirm()

	events := h.recorder.Events()
	require.Len(t, events, 2)
	assert.Equal(t, beacon.TypeConfirmation, events[0].Type)
	assert.Equal(t, beacon.TypeContamination, events[1].Type)
	assert.Equal(t, "late failure", events[1].Details)
	assert.Equal(t, []string{"exp1"}, h.client.Confirmations())
	assert.Equal(t, []string{"exp1"}, h.client.Contaminations())
}

func TestContaminateAllIncludesDormantAllocations(t *testing.T) {
	fetcher := buttonFetcher()
	cfg, err := fetcher.FetchConfig(context.Background(), store.Request{})
	require.NoError(t, err)
	// Without an entry point the experiment never goes live.
	keypath.Remove(cfg, "_experiments")
	h := newHarness(t, remote.NewStaticFetcher(cfg, mustAllocations(t, fetcher)))

	h.client.Contaminate(runner.ReasonTimeoutExceeded, "")
	assert.Empty(t, h.recorder.Events(), "nothing is live")

	h.client.ContaminateAll(runner.ReasonTimeoutExceeded, "")
	require.Len(t, h.recorder.Events(), 1)
	assert.Equal(t, runner.ReasonTimeoutExceeded, h.recorder.Events()[0].Reason)
}

func TestIdentityIsPersisted(t *testing.T) {
	kv := persist.NewMemory()
	ctx := context.Background()

	first, err := New(config.Options{Environment: "test"}, Deps{
		Fetcher: buttonFetcher(), KV: kv, Generator: identity.NewFixedGenerator("uid-9", "sid-9"),
	})
	require.NoError(t, err)
	require.NoError(t, first.Initialize(ctx, nil, nil))
	first.Destroy()

	second, err := New(config.Options{Environment: "test"}, Deps{
		Fetcher: buttonFetcher(), KV: kv, Generator: identity.NewFixedGenerator(),
	})
	require.NoError(t, err)
	defer second.Destroy()
	require.NoError(t, second.Initialize(ctx, nil, nil))
	assert.Equal(t, "uid-9", second.UID())
	assert.Equal(t, "sid-9", second.SID())

	assert.ErrorIs(t, first.Initialize(ctx, nil, nil), ErrDestroyed)
}

func TestFetchFailureFallsBackToCache(t *testing.T) {
	kv := persist.NewMemory()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	opts := config.Options{Environment: "test", Version: 1}

	warm, err := New(opts, Deps{Fetcher: buttonFetcher(), KV: kv, Generator: identity.NewFixedGenerator("uid-1", "sid-1")})
	require.NoError(t, err)
	require.NoError(t, warm.Initialize(ctx, nil, nil))
	on, err := warm.IsActive(ctx, "web.page")
	require.NoError(t, err)
	require.True(t, on)
	warm.Destroy()

	offline := buttonFetcher()
	offline.Fail(errors.New("offline"))
	cold, err := New(opts, Deps{Fetcher: offline, KV: kv})
	require.NoError(t, err)
	defer cold.Destroy()
	require.NoError(t, cold.Initialize(ctx, nil, nil))

	on, err = cold.IsActive(ctx, "web.page")
	require.NoError(t, err)
	assert.True(t, on, "served from the payload cache")
}

func mustAllocations(t *testing.T, f *remote.StaticFetcher) []any {
	t.Helper()
	list, err := f.FetchAllocations(context.Background(), store.Request{})
	require.NoError(t, err)
	return list
}

func TestMetricsCountFetchesAndBeacons(t *testing.T) {
	h := newHarness(t, buttonFetcher())
	h.clock.Advance(runner.DefaultLegacyPollingInterval)
	h.client.Loop().Drain()

	snap, err := h.client.Metrics().Snapshot()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap[`evolv_fetch_requests_total{result="ok",source="config"}`], 1.0)
	assert.GreaterOrEqual(t, snap[`evolv_fetch_requests_total{result="ok",source="genome"}`], 1.0)
	assert.Equal(t, 1.0, snap[`evolv_beacon_events_total{type="confirmation"}`])
}

func TestMetricsCountFailedFetches(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	offline := buttonFetcher()
	offline.Fail(errors.New("offline"))
	m := metrics.New()

	c, err := New(config.Options{Environment: "test"}, Deps{Fetcher: offline, Metrics: m})
	require.NoError(t, err)
	defer c.Destroy()
	require.NoError(t, c.Initialize(ctx, nil, nil))
	_, err = c.IsActive(ctx, "web.page")
	require.Error(t, err)

	snap, err := m.Snapshot()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap[`evolv_fetch_requests_total{result="error",source="config"}`], 1.0)
}
