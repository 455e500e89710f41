package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/evolv/internal/assets"
	"github.com/roach88/evolv/internal/beacon"
	"github.com/roach88/evolv/internal/client"
	"github.com/roach88/evolv/internal/config"
	"github.com/roach88/evolv/internal/identity"
	"github.com/roach88/evolv/internal/keypath"
	"github.com/roach88/evolv/internal/page"
	"github.com/roach88/evolv/internal/promise"
	"github.com/roach88/evolv/internal/remote"
	"github.com/roach88/evolv/internal/runner"
	"github.com/roach88/evolv/internal/store"
	"github.com/roach88/evolv/internal/testutil"
)

// Epoch is the fake clock's start time for every scenario.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// loadTimeout bounds how long the initial payload load may take.
const loadTimeout = 5 * time.Second

// Harness executes one scenario.
//
// Thread-safety: the trace is mutex-protected; everything else is driven
// from the goroutine calling Run.
type Harness struct {
	scenario *Scenario
	logger   *slog.Logger
	clock    *testutil.FakeClock
	doc      *page.Memory
	registry *runner.MapRegistry
	recorder *beacon.Recorder
	client   *client.Client
	runner   *runner.Runner
	assets   *assets.Manager

	mu      sync.Mutex
	trace   []TraceEvent
	seq     int64
	pending map[string]*promise.Promise[struct{}]
}

// Run executes a scenario and returns the result.
//
// Execution flow:
//  1. Wire client, runner and asset manager to static payloads and a fake clock
//  2. Wait for the prefix to load and drain the loop
//  3. Apply each step, draining the loop after each
//  4. Capture final state and evaluate assertions
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with an explicit logger for the runtime components.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	h, err := newHarness(scenario, logger)
	if err != nil {
		return nil, err
	}
	defer h.close()

	if err := h.start(); err != nil {
		return nil, err
	}
	for i, step := range scenario.Steps {
		if err := h.apply(step); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}

	result := NewResult()
	result.Trace = h.snapshotTrace()
	result.State = h.state()
	for _, msg := range EvaluateAssertions(result, scenario.Assertions) {
		result.AddError(msg)
	}
	return result, nil
}

func newHarness(s *Scenario, logger *slog.Logger) (*Harness, error) {
	h := &Harness{
		scenario: s,
		logger:   logger,
		clock:    testutil.NewFakeClock(Epoch),
		doc:      page.NewMemory(s.Assets.Stylesheet, s.Assets.Script),
		registry: runner.NewMapRegistry(),
		recorder: &beacon.Recorder{},
		pending:  make(map[string]*promise.Promise[struct{}]),
	}

	opts := config.Options{
		Environment:     "harness",
		Version:         s.Version,
		UID:             or(s.UID, "uid-1"),
		SID:             or(s.SID, "sid-1"),
		ActiveKeyPrefix: s.Prefix,
	}
	if s.LegacyPollingInterval != "" {
		opts.LegacyPollingInterval, _ = time.ParseDuration(s.LegacyPollingInterval)
	}
	if s.TimeoutThreshold != "" {
		opts.TimeoutThreshold, _ = time.ParseDuration(s.TimeoutThreshold)
	}

	configuration := s.Configuration
	if configuration == nil {
		configuration = map[string]any{}
	}
	allocations := s.Allocations
	if allocations == nil {
		allocations = []any{}
	}

	c, err := client.New(opts, client.Deps{
		Fetcher:   remote.NewStaticFetcher(configuration, allocations),
		Emitter:   h.recorder,
		Generator: identity.NewFixedGenerator(),
		Clock:     h.clock,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	h.client = c
	opts = c.Options()

	for _, v := range s.Registry.Variants {
		h.registry.Register(v.Key, runner.Variant{Handler: h.handler(v), Timing: v.Timing})
	}
	if !s.Registry.Deferred {
		h.registry.Publish()
	}

	traced := tracingClient{Client: c, h: h}
	h.runner = runner.New(traced, h.doc, h.registry,
		runner.WithPoster(c.Loop()),
		runner.WithClock(h.clock),
		runner.WithLogger(logger),
		runner.WithLegacyPollingInterval(opts.LegacyPollingInterval),
		runner.WithTimeoutThreshold(opts.TimeoutThreshold),
	)
	h.assets = assets.New(traced, h.doc, h.runner,
		assets.WithPrefix(opts.ActiveKeyPrefix),
		assets.WithLogger(logger),
	)
	return h, nil
}

func (h *Harness) start() error {
	ctx := context.Background()
	s := h.scenario
	if err := h.client.Initialize(ctx, keypath.CopyTree(s.Context.Remote), keypath.CopyTree(s.Context.Local)); err != nil {
		return fmt.Errorf("failed to initialize client: %w", err)
	}

	prefix := h.client.Options().ActiveKeyPrefix
	h.client.ListenActiveKeys(prefix, func(c store.Change) {
		h.record(TraceEvent{Type: EventActiveKeys, Current: c.Current, Previous: c.Previous})
	})
	h.assets.Start()
	h.runner.Start(ctx)
	h.client.Loop().Drain()

	h.clock.Advance(0)
	waitCtx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	if _, err := h.client.GetActiveKeys(prefix).Wait(waitCtx); err != nil {
		return fmt.Errorf("failed to load %q: %w", prefix, err)
	}
	h.client.Loop().Drain()
	return nil
}

// apply records and performs one step, then lets the runtime settle.
func (h *Harness) apply(step Step) error {
	h.record(TraceEvent{Type: EventStep, Step: describe(step)})

	uctx := h.client.Context()
	switch {
	case len(step.Set) > 0:
		for _, key := range keypath.SortedKeys(step.Set) {
			if _, err := uctx.Set(key, step.Set[key], step.Local); err != nil {
				return fmt.Errorf("set %s: %w", key, err)
			}
		}
	case step.Remove != "":
		if _, err := uctx.Remove(step.Remove); err != nil {
			return fmt.Errorf("remove %s: %w", step.Remove, err)
		}
	case step.ReadyState != "":
		h.doc.SetReadyState(page.ReadyState(step.ReadyState), h.clock.Now())
	case step.Advance != "":
		d, _ := time.ParseDuration(step.Advance)
		h.clock.Advance(d)
	case step.Publish:
		h.registry.Publish()
	case step.Resolve != "":
		p, err := h.takePending(step.Resolve)
		if err != nil {
			return err
		}
		h.record(TraceEvent{Type: EventSettle, Key: step.Resolve, Status: runner.StatusResolved.String()})
		p.Resolve(struct{}{})
	case step.Reject != "":
		p, err := h.takePending(step.Reject)
		if err != nil {
			return err
		}
		h.record(TraceEvent{Type: EventSettle, Key: step.Reject, Status: runner.StatusRejected.String()})
		p.Reject(errors.New("rejected by step"))
	}

	h.client.Loop().Drain()
	h.clock.Advance(0)
	h.client.Loop().Drain()
	return nil
}

func describe(step Step) string {
	switch {
	case len(step.Set) > 0:
		out := "set"
		if step.Local {
			out += " local"
		}
		for _, key := range keypath.SortedKeys(step.Set) {
			out += fmt.Sprintf(" %s=%v", key, step.Set[key])
		}
		return out
	case step.Remove != "":
		return "remove " + step.Remove
	case step.ReadyState != "":
		return "ready_state " + step.ReadyState
	case step.Advance != "":
		d, _ := time.ParseDuration(step.Advance)
		return "advance " + d.String()
	case step.Publish:
		return "publish"
	case step.Resolve != "":
		return "resolve " + step.Resolve
	default:
		return "reject " + step.Reject
	}
}

// handler builds the scripted handler for one variant.
func (h *Harness) handler(v VariantSpec) runner.Handler {
	return func(_ context.Context, inv runner.Invocation) runner.Outcome {
		h.record(TraceEvent{Type: EventInvoke, Key: inv.Key, Run: inv.RunNumber})
		switch v.Behavior {
		case BehaviorReject:
			h.record(TraceEvent{Type: EventSettle, Key: inv.Key, Status: runner.StatusRejected.String()})
			return runner.Done(fmt.Errorf("%s rejected", inv.Key))
		case BehaviorThrow:
			h.record(TraceEvent{Type: EventSettle, Key: inv.Key, Status: runner.StatusRejected.String()})
			panic(fmt.Sprintf("%s threw", inv.Key))
		case BehaviorPending:
			p := promise.New[struct{}]()
			h.mu.Lock()
			h.pending[inv.Key] = p
			h.mu.Unlock()
			return runner.Later(p)
		default:
			h.record(TraceEvent{Type: EventSettle, Key: inv.Key, Status: runner.StatusResolved.String()})
			return runner.Done(nil)
		}
	}
}

func (h *Harness) takePending(key string) (*promise.Promise[struct{}], error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.pending[key]
	if !ok {
		return nil, fmt.Errorf("%s is not pending", key)
	}
	delete(h.pending, key)
	return p, nil
}

func (h *Harness) record(ev TraceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	ev.Seq = h.seq
	h.trace = append(h.trace, ev)
}

func (h *Harness) snapshotTrace() []TraceEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]TraceEvent{}, h.trace...)
}

// state captures the final page view.
func (h *Harness) state() map[string]any {
	prefix := h.client.Options().ActiveKeyPrefix
	functions := make(map[string]any)
	for _, fn := range h.runner.Functions() {
		functions[fn.Key] = fn.Status.String()
	}
	beacons := make([]any, 0)
	for _, ev := range h.recorder.Events() {
		b := map[string]any{"type": ev.Type, "eid": ev.EID, "cid": ev.CID}
		if ev.Reason != "" {
			b["reason"] = ev.Reason
		}
		beacons = append(beacons, b)
	}
	return map[string]any{
		"classes":        nonNil(h.doc.Classes()),
		"active_keys":    h.client.Store().Snapshot().ActiveWithPrefix(prefix),
		"genome":         h.client.Store().EffectiveGenome(),
		"run_level":      h.runner.RunLevel().String(),
		"timed_out":      h.runner.TimedOut(),
		"functions":      functions,
		"confirmations":  nonNil(h.client.Confirmations()),
		"contaminations": nonNil(h.client.Contaminations()),
		"beacons":        beacons,
	}
}

func (h *Harness) close() {
	h.assets.Stop()
	h.runner.Stop()
	h.client.Destroy()
}

// tracingClient records confirm and contaminate signals before forwarding
// them to the client.
type tracingClient struct {
	*client.Client
	h *Harness
}

func (t tracingClient) Confirm() {
	t.h.record(TraceEvent{Type: EventConfirm})
	t.Client.Confirm()
}

func (t tracingClient) Contaminate(reason, details string) {
	t.h.record(TraceEvent{Type: EventContaminate, Reason: reason})
	t.Client.Contaminate(reason, details)
}

func or(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
