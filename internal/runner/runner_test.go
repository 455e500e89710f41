package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roach88/evolv/internal/loop"
	"github.com/roach88/evolv/internal/page"
	"github.com/roach88/evolv/internal/promise"
	"github.com/roach88/evolv/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type contamination struct {
	reason  string
	details string
}

type spyClient struct {
	mu             sync.Mutex
	confirms       int
	contaminations []contamination
}

func (c *spyClient) Confirm() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.confirms++
}

func (c *spyClient) Contaminate(reason, details string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.contaminations = append(c.contaminations, contamination{reason, details})
}

func (c *spyClient) confirmCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.confirms
}

func (c *spyClient) contaminated() []contamination {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]contamination(nil), c.contaminations...)
}

// fixture drives a runner deterministically: timers via a fake clock,
// tasks via an explicit loop.
type fixture struct {
	runner   *Runner
	registry *MapRegistry
	doc      *page.Memory
	client   *spyClient
	clock    *testutil.FakeClock
	loop     *loop.Loop

	mu       sync.Mutex
	calls    []string
	promises map[string]*promise.Promise[struct{}]
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	fx := &fixture{
		registry: NewMapRegistry(),
		doc:      page.NewMemory(false, true),
		client:   &spyClient{},
		clock:    testutil.NewFakeClock(time.Unix(1000, 0)),
		loop:     loop.New(),
		promises: make(map[string]*promise.Promise[struct{}]),
	}
	opts = append([]Option{WithClock(fx.clock), WithPoster(fx.loop)}, opts...)
	fx.runner = New(fx.client, fx.doc, fx.registry, opts...)
	t.Cleanup(func() {
		fx.runner.Stop()
		fx.loop.Close()
		fx.loop.Drain()
	})
	return fx
}

func (fx *fixture) record(key string) {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	fx.calls = append(fx.calls, key)
}

func (fx *fixture) invoked() []string {
	fx.mu.Lock()
	defer fx.mu.Unlock()
	return append([]string(nil), fx.calls...)
}

func (fx *fixture) count(key string) int {
	n := 0
	for _, k := range fx.invoked() {
		if k == key {
			n++
		}
	}
	return n
}

// sync registers a handler that finishes immediately with err.
func (fx *fixture) sync(key, timing string, err error) {
	fx.registry.Register(key, Variant{Timing: timing, Handler: func(_ context.Context, inv Invocation) Outcome {
		fx.record(inv.Key)
		return Done(err)
	}})
}

// async registers a handler that finishes when the test settles its promise.
func (fx *fixture) async(key, timing string) {
	fx.registry.Register(key, Variant{Timing: timing, Handler: func(_ context.Context, inv Invocation) Outcome {
		fx.record(inv.Key)
		p := promise.New[struct{}]()
		fx.mu.Lock()
		fx.promises[inv.Key] = p
		fx.mu.Unlock()
		return Later(p)
	}})
}

func (fx *fixture) resolve(t *testing.T, key string) {
	t.Helper()
	fx.mu.Lock()
	p, ok := fx.promises[key]
	fx.mu.Unlock()
	require.True(t, ok, "handler %s was not invoked", key)
	p.Resolve(struct{}{})
	fx.loop.Drain()
}

func (fx *fixture) reject(t *testing.T, key string, err error) {
	t.Helper()
	fx.mu.Lock()
	p, ok := fx.promises[key]
	fx.mu.Unlock()
	require.True(t, ok, "handler %s was not invoked", key)
	p.Reject(err)
	fx.loop.Drain()
}

// start publishes the registry and starts the runner, leaving it at level Immediate.
func (fx *fixture) start() {
	fx.registry.Publish()
	fx.runner.Start(context.Background())
	fx.loop.Drain()
}

func (fx *fixture) update(keys ...string) {
	fx.runner.UpdateFunctionsToRun(keys)
	fx.loop.Drain()
}

// tick advances one polling interval.
func (fx *fixture) tick() {
	fx.clock.Advance(DefaultLegacyPollingInterval)
	fx.loop.Drain()
}

func (fx *fixture) status(t *testing.T, key string) Status {
	t.Helper()
	fn, ok := fx.runner.Function(key)
	require.True(t, ok)
	return fn.Status
}

func TestParseTiming(t *testing.T) {
	tests := []struct {
		in    string
		want  Timing
		level RunLevel
	}{
		{"immediate", TimingImmediate, LevelImmediate},
		{"dom-content-loaded", TimingDOMContentLoaded, LevelImmediate},
		{"legacy", TimingLegacy, LevelLegacy},
		{"loaded", TimingLoaded, LevelComplete},
		{"", TimingLegacy, LevelLegacy},
		{"whenever", TimingLegacy, LevelLegacy},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := ParseTiming(tt.in)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.level, got.Level())
		})
	}
}

func TestFunctionsRunCoarsestFirst(t *testing.T) {
	fx := newFixture(t)
	fx.sync("evolv_web_page_button", "immediate", nil)
	fx.sync("evolv_web_page", "immediate", nil)
	fx.sync("evolv_web_b", "immediate", nil)
	fx.sync("evolv_web", "immediate", nil)
	fx.start()

	var keys []string
	for _, fn := range fx.runner.Functions() {
		keys = append(keys, fn.Key)
		assert.Equal(t, -1, fn.RunNumber)
	}
	assert.Equal(t, []string{"evolv_web", "evolv_web_b", "evolv_web_page", "evolv_web_page_button"}, keys)

	fx.update("evolv_web_page_button", "evolv_web_page", "evolv_web_b", "evolv_web")
	assert.Equal(t, keys, fx.invoked())
}

func TestIdempotentScheduling(t *testing.T) {
	fx := newFixture(t)
	fx.async("evolv_a", "immediate")
	fx.sync("evolv_b", "legacy", nil)
	fx.start()

	fx.update("evolv_a", "evolv_b")
	before := fx.runner.Functions()
	fx.update("evolv_a", "evolv_b")
	after := fx.runner.Functions()

	assert.Equal(t, before, after)
	assert.Equal(t, 1, fx.count("evolv_a"))
	assert.Equal(t, StatusRunning, fx.status(t, "evolv_a"))
	assert.Equal(t, StatusRunnable, fx.status(t, "evolv_b"))
}

func TestUnscheduleBeforeRun(t *testing.T) {
	fx := newFixture(t)
	fx.sync("evolv_b", "legacy", nil)
	fx.start()

	fx.update("evolv_b")
	assert.Equal(t, StatusRunnable, fx.status(t, "evolv_b"))

	fx.update()
	assert.Equal(t, StatusNotRunnable, fx.status(t, "evolv_b"))

	fx.tick()
	assert.Equal(t, LevelLegacy, fx.runner.RunLevel())
	assert.Equal(t, 0, fx.count("evolv_b"))
	assert.Equal(t, 0, fx.client.confirmCount())
}

func TestRunningCannotBeUnscheduled(t *testing.T) {
	fx := newFixture(t)
	fx.async("evolv_a", "immediate")
	fx.start()

	fx.update("evolv_a")
	fx.update()
	assert.Equal(t, StatusRunning, fx.status(t, "evolv_a"))

	fx.resolve(t, "evolv_a")
	assert.Equal(t, StatusResolved, fx.status(t, "evolv_a"))
	assert.Equal(t, 1, fx.client.confirmCount())
}

func TestNoPrematureConfirm(t *testing.T) {
	fx := newFixture(t)
	fx.async("evolv_a", "immediate")
	fx.async("evolv_b", "legacy")
	fx.start()

	fx.update("evolv_a", "evolv_b")
	runs := fx.runner.Runs()
	last := runs[len(runs)-1]
	assert.Equal(t, []string{"evolv_a"}, last.Started)
	assert.Equal(t, []string{"evolv_a", "evolv_b"}, last.NeededToConfirm)

	fx.resolve(t, "evolv_a")
	assert.Equal(t, 0, fx.client.confirmCount(), "legacy partner has not run")

	fx.tick()
	assert.Equal(t, 1, fx.count("evolv_b"))
	assert.Equal(t, 0, fx.client.confirmCount(), "legacy partner is still running")

	fx.resolve(t, "evolv_b")
	assert.Equal(t, 1, fx.client.confirmCount())

	fx.doc.SetReadyState(page.Complete, fx.clock.Now())
	fx.loop.Drain()
	fx.tick()
	assert.Equal(t, 1, fx.client.confirmCount(), "each pass confirms at most once")
}

func TestConfirmWhenLegacyFinishesFirst(t *testing.T) {
	fx := newFixture(t)
	fx.async("evolv_a", "immediate")
	fx.async("evolv_b", "legacy")
	fx.start()
	fx.update("evolv_a", "evolv_b")
	fx.tick()

	runs := fx.runner.Runs()
	last := runs[len(runs)-1]
	assert.Equal(t, LevelLegacy, last.Level)
	assert.Equal(t, []string{"evolv_b"}, last.Started)
	assert.Equal(t, []string{"evolv_a", "evolv_b"}, last.NeededToConfirm, "immediate still running joins the legacy pass")

	fx.resolve(t, "evolv_b")
	assert.Equal(t, 0, fx.client.confirmCount())

	fx.resolve(t, "evolv_a")
	assert.Equal(t, 1, fx.client.confirmCount())
}

func TestContaminationOnFailure(t *testing.T) {
	fx := newFixture(t)
	fx.sync("evolv_throws", "immediate", errors.New("boom"))
	fx.registry.Register("evolv_panics", Variant{Timing: "immediate", Handler: func(context.Context, Invocation) Outcome {
		panic("kaboom")
	}})
	fx.async("evolv_rejects", "immediate")
	fx.start()

	fx.update("evolv_throws")
	assert.Equal(t, []contamination{{ReasonErrorThrown, "boom"}}, fx.client.contaminated())
	assert.Equal(t, StatusRejected, fx.status(t, "evolv_throws"))
	assert.Equal(t, 0, fx.client.confirmCount())

	fx.update("evolv_throws", "evolv_panics")
	assert.Equal(t, StatusRejected, fx.status(t, "evolv_panics"))
	require.Len(t, fx.client.contaminated(), 2)
	assert.Equal(t, contamination{ReasonErrorThrown, "kaboom"}, fx.client.contaminated()[1])

	fx.update("evolv_throws", "evolv_panics", "evolv_rejects")
	fx.reject(t, "evolv_rejects", errors.New("later"))
	require.Len(t, fx.client.contaminated(), 3)
	assert.Equal(t, "later", fx.client.contaminated()[2].details)
	assert.Equal(t, 0, fx.client.confirmCount())
}

func TestRejectionBlocksPassConfirm(t *testing.T) {
	fx := newFixture(t)
	fx.async("evolv_a", "immediate")
	fx.async("evolv_c", "immediate")
	fx.start()
	fx.update("evolv_a", "evolv_c")

	fx.reject(t, "evolv_a", errors.New("nope"))
	fx.resolve(t, "evolv_c")

	assert.Len(t, fx.client.contaminated(), 1)
	assert.Equal(t, 0, fx.client.confirmCount())
}

func TestDeferredUntilRegistryLoads(t *testing.T) {
	fx := newFixture(t)
	fx.sync("evolv_a", "immediate", nil)
	fx.runner.Start(context.Background())
	fx.loop.Drain()

	fx.update("evolv_a")
	assert.False(t, fx.runner.Loaded())
	assert.Empty(t, fx.invoked())

	fx.tick()
	assert.Empty(t, fx.invoked())

	fx.registry.Publish()
	fx.tick()
	assert.True(t, fx.runner.Loaded())
	assert.Equal(t, []string{"evolv_a"}, fx.invoked())
	assert.Equal(t, 1, fx.client.confirmCount())
}

func TestTimeoutContaminatesOnce(t *testing.T) {
	fx := newFixture(t, WithTimeoutThreshold(time.Second))
	fx.sync("evolv_a", "immediate", nil)
	fx.doc.SetReadyState(page.Interactive, fx.clock.Now())
	fx.runner.Start(context.Background())
	fx.loop.Drain()

	for i := 0; i < 20; i++ {
		fx.tick()
	}

	assert.True(t, fx.runner.TimedOut())
	assert.True(t, IsTimeout(fx.runner.Err()))
	require.Len(t, fx.client.contaminated(), 1)
	assert.Equal(t, ReasonTimeoutExceeded, fx.client.contaminated()[0].reason)
	assert.Equal(t, 0, fx.clock.Pending(), "polling stops")

	fx.registry.Publish()
	fx.update("evolv_a")
	fx.doc.SetReadyState(page.Complete, fx.clock.Now())
	fx.loop.Drain()
	assert.Empty(t, fx.invoked())
	assert.False(t, fx.runner.Loaded())
	assert.Len(t, fx.client.contaminated(), 1)
}

func TestRunLevelIsMonotonic(t *testing.T) {
	fx := newFixture(t)
	fx.sync("evolv_a", "immediate", nil)

	var levels []RunLevel
	observe := func() { levels = append(levels, fx.runner.RunLevel()) }

	fx.runner.Start(context.Background())
	fx.loop.Drain()
	observe()

	fx.registry.Publish()
	fx.tick()
	observe()
	fx.tick()
	observe()
	fx.doc.SetReadyState(page.Complete, fx.clock.Now())
	fx.loop.Drain()
	observe()
	fx.doc.SetReadyState(page.Interactive, fx.clock.Now())
	fx.tick()
	observe()

	assert.Equal(t, []RunLevel{LevelNone, LevelImmediate, LevelLegacy, LevelComplete, LevelComplete}, levels)
	for i := 1; i < len(levels); i++ {
		assert.GreaterOrEqual(t, levels[i], levels[i-1])
	}
}

func TestTimingTiers(t *testing.T) {
	fx := newFixture(t)
	fx.sync("evolv_dcl", "dom-content-loaded", nil)
	fx.sync("evolv_late", "loaded", nil)
	fx.sync("evolv_untimed", "", nil)
	fx.start()

	fx.update("evolv_dcl", "evolv_late", "evolv_untimed")
	assert.Equal(t, []string{"evolv_dcl"}, fx.invoked(), "dom-content-loaded runs with immediate")

	fx.tick()
	assert.Equal(t, []string{"evolv_dcl", "evolv_untimed"}, fx.invoked())

	fx.doc.SetReadyState(page.Interactive, fx.clock.Now())
	fx.loop.Drain()
	assert.Len(t, fx.invoked(), 2)

	fx.doc.SetReadyState(page.Complete, fx.clock.Now())
	fx.loop.Drain()
	assert.Equal(t, []string{"evolv_dcl", "evolv_untimed", "evolv_late"}, fx.invoked())

	for _, fn := range fx.runner.Functions() {
		assert.Equal(t, StatusResolved, fn.Status, fn.Key)
	}
}

func TestLoadedOnlyPassConfirmsOnItsOwn(t *testing.T) {
	fx := newFixture(t)
	fx.sync("evolv_late", "loaded", nil)
	fx.start()
	fx.update("evolv_late")
	fx.tick()
	fx.doc.SetReadyState(page.Interactive, fx.clock.Now())
	fx.loop.Drain()
	assert.Empty(t, fx.invoked())
	assert.Equal(t, 0, fx.client.confirmCount())

	fx.doc.SetReadyState(page.Complete, fx.clock.Now())
	fx.loop.Drain()
	assert.Equal(t, []string{"evolv_late"}, fx.invoked())

	runs := fx.runner.Runs()
	last := runs[len(runs)-1]
	assert.Equal(t, LevelComplete, last.Level)
	assert.Equal(t, []string{"evolv_late"}, last.Started)
	assert.Empty(t, last.NeededToConfirm, "only immediate and legacy functions gate a confirm")
	assert.True(t, last.Confirmed)
	assert.Equal(t, 1, fx.client.confirmCount())
}

func TestAsyncSettlementIsSerialized(t *testing.T) {
	fx := newFixture(t)
	fx.async("evolv_a", "immediate")
	fx.start()
	fx.update("evolv_a")

	fx.mu.Lock()
	p := fx.promises["evolv_a"]
	fx.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.Resolve(struct{}{})
		close(done)
	}()
	<-done

	assert.Equal(t, StatusRunning, fx.status(t, "evolv_a"), "settlement waits for the loop")
	fx.loop.Drain()
	assert.Equal(t, StatusResolved, fx.status(t, "evolv_a"))
}

func TestOwnLoopStartStop(t *testing.T) {
	reg := NewMapRegistry()
	var calls sync.WaitGroup
	calls.Add(1)
	reg.Register("evolv_a", Variant{Timing: "immediate", Handler: func(context.Context, Invocation) Outcome {
		calls.Done()
		return Done(nil)
	}})
	reg.Publish()

	client := &spyClient{}
	r := New(client, page.NewMemory(false, true), reg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	r.UpdateFunctionsToRun([]string{"evolv_a"})
	calls.Wait()
	require.Eventually(t, func() bool { return client.confirmCount() == 1 }, time.Second, time.Millisecond)

	r.Stop()
}
