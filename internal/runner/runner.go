package runner

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/roach88/evolv/internal/clock"
	"github.com/roach88/evolv/internal/loop"
	"github.com/roach88/evolv/internal/page"
)

const (
	// DefaultLegacyPollingInterval is how often the registry is polled.
	DefaultLegacyPollingInterval = 100 * time.Millisecond

	// DefaultTimeoutThreshold bounds how long after DOMContentLoaded the
	// registry may take to appear.
	DefaultTimeoutThreshold = 60 * time.Second
)

// Client receives telemetry signals. Neither call may block on the runner.
type Client interface {
	Confirm()
	Contaminate(reason, details string)
}

// Runner is the variant scheduling state machine.
//
// Thread-safety model:
//   - Start(), UpdateFunctionsToRun(), Stop(): safe from any goroutine
//   - state transitions: only inside tasks on the runner's loop
//   - accessors: safe from any goroutine via internal mutex
//
// INVARIANTS:
//   - level never decreases
//   - functions order is fixed at registry load (key length, then key)
//   - a function is invoked at most once
//   - each RunRecord confirms at most once
type Runner struct {
	client   Client
	doc      page.Document
	registry Registry

	clock        clock.Clock
	poster       loop.Poster
	ownLoop      *loop.Loop
	logger       *slog.Logger
	pollInterval time.Duration
	timeout      time.Duration

	mu          sync.Mutex
	ctx         context.Context
	functions   []*FunctionDef
	byKey       map[string]*FunctionDef
	loaded      bool
	level       RunLevel
	runs        []RunRecord
	deferred    []string
	hasDeferred bool
	timedOut    bool
	err         error
	started     bool
	stopped     bool
	startedAt   time.Time
	pollTimer   clock.Timer
	unsubscribe func()
}

// Option configures a Runner.
type Option func(*Runner)

// WithLegacyPollingInterval sets the registry polling interval.
//
// Default: 100ms (DefaultLegacyPollingInterval)
func WithLegacyPollingInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.pollInterval = d
	}
}

// WithTimeoutThreshold sets how long to wait for the registry.
//
// Default: 60s (DefaultTimeoutThreshold)
func WithTimeoutThreshold(d time.Duration) Option {
	return func(r *Runner) {
		r.timeout = d
	}
}

// WithClock sets the clock used for polling and the timeout.
func WithClock(c clock.Clock) Option {
	return func(r *Runner) {
		r.clock = c
	}
}

// WithPoster runs the runner on an existing loop. Without it the runner
// creates its own loop and runs it from Start until Stop.
func WithPoster(p loop.Poster) Option {
	return func(r *Runner) {
		r.poster = p
	}
}

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = l
	}
}

// New creates a runner. Nothing happens until Start.
func New(client Client, doc page.Document, reg Registry, opts ...Option) *Runner {
	r := &Runner{
		client:       client,
		doc:          doc,
		registry:     reg,
		clock:        clock.Real{},
		logger:       slog.Default(),
		pollInterval: DefaultLegacyPollingInterval,
		timeout:      DefaultTimeoutThreshold,
		byKey:        make(map[string]*FunctionDef),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.poster == nil {
		r.ownLoop = loop.New(loop.WithLogger(r.logger))
		r.poster = r.ownLoop
	}
	return r
}

// Start subscribes to the document and starts polling the registry. ctx is
// passed to every handler.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	if r.started || r.stopped {
		r.mu.Unlock()
		return
	}
	r.started = true
	r.ctx = ctx
	r.startedAt = r.clock.Now()
	r.mu.Unlock()

	if r.ownLoop != nil {
		go r.ownLoop.Run(ctx)
	}
	r.poster.Post(r.start)
}

// UpdateFunctionsToRun makes keys the desired set of scheduled functions.
// Runnable functions missing from keys are unscheduled, not-runnable
// functions in keys are scheduled, then one pass executes. Before the
// registry is available the call is deferred and replayed on load.
func (r *Runner) UpdateFunctionsToRun(keys []string) {
	keys = append([]string(nil), keys...)
	r.poster.Post(func() { r.update(keys) })
}

// Stop cancels polling and the ready-state subscription. Functions already
// running still settle.
func (r *Runner) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	if r.pollTimer != nil {
		r.pollTimer.Stop()
		r.pollTimer = nil
	}
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if r.ownLoop != nil {
		r.ownLoop.Close()
	}
}

// RunLevel returns the current run level.
func (r *Runner) RunLevel() RunLevel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

// Loaded reports whether the registry has been loaded.
func (r *Runner) Loaded() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loaded
}

// TimedOut reports whether the registry timeout fired.
func (r *Runner) TimedOut() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timedOut
}

// Err returns the timeout error, if any.
func (r *Runner) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Functions returns a snapshot of the registered functions in run order.
func (r *Runner) Functions() []FunctionDef {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]FunctionDef, len(r.functions))
	for i, fn := range r.functions {
		out[i] = *fn
		out[i].handler = nil
	}
	return out
}

// Function returns a snapshot of one function.
func (r *Runner) Function(key string) (FunctionDef, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn, ok := r.byKey[key]
	if !ok {
		return FunctionDef{}, false
	}
	out := *fn
	out.handler = nil
	return out, true
}

// Runs returns a copy of the run history.
func (r *Runner) Runs() []RunRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RunRecord, len(r.runs))
	for i, rec := range r.runs {
		out[i] = rec
		out[i].Started = append([]string(nil), rec.Started...)
		out[i].NeededToConfirm = append([]string(nil), rec.NeededToConfirm...)
	}
	return out
}

// pass is the work one execute pass hands back for invocation outside r.mu.
type pass struct {
	ctx context.Context
	run int
	fns []*FunctionDef
}

func (r *Runner) start() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()

	cancel := r.doc.OnReadyStateChange(func(s page.ReadyState) {
		r.poster.Post(func() { r.onReadyState(s) })
	})

	r.mu.Lock()
	r.unsubscribe = cancel
	r.mu.Unlock()

	r.logger.Debug("runner started", "ready_state", r.doc.ReadyState())
	r.onReadyState(r.doc.ReadyState())
	r.poll()
}

func (r *Runner) onReadyState(s page.ReadyState) {
	var level RunLevel
	switch s {
	case page.Interactive:
		level = LevelInteractive
	case page.Complete:
		level = LevelComplete
	default:
		return
	}

	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	p := r.raiseLocked(level)
	r.mu.Unlock()
	r.invoke(p)
}

// poll loads the registry, or checks the timeout, or once loaded raises
// the level to Legacy and stops polling.
func (r *Runner) poll() {
	r.mu.Lock()
	r.pollTimer = nil
	if r.stopped || r.timedOut {
		r.mu.Unlock()
		return
	}

	if r.loaded {
		p := r.raiseLocked(LevelLegacy)
		r.mu.Unlock()
		r.invoke(p)
		return
	}

	if p, ok := r.loadLocked(); ok {
		r.schedulePollLocked()
		r.mu.Unlock()
		r.invoke(p)
		return
	}

	origin := r.doc.DOMContentLoadedAt()
	if origin.IsZero() {
		origin = r.startedAt
	}
	elapsed := r.clock.Now().Sub(origin)
	if elapsed < r.timeout {
		r.schedulePollLocked()
		r.mu.Unlock()
		return
	}

	r.timedOut = true
	err := NewTimeoutError(r.timeout, elapsed)
	r.err = err
	r.raiseLocked(LevelLegacy)
	r.mu.Unlock()

	r.logger.Error("variant registry timed out", "threshold", r.timeout, "elapsed", elapsed)
	r.client.Contaminate(ReasonTimeoutExceeded, err.Message)
}

func (r *Runner) schedulePollLocked() {
	r.pollTimer = r.clock.AfterFunc(r.pollInterval, func() {
		r.poster.Post(r.poll)
	})
}

// loadLocked builds the function list once the registry is populated.
func (r *Runner) loadLocked() (*pass, bool) {
	variants, ok := r.registry.Variants()
	if !ok {
		return nil, false
	}

	r.functions = make([]*FunctionDef, 0, len(variants))
	for key, v := range variants {
		if v.Handler == nil {
			r.logger.Warn("variant without handler ignored", "key", key)
			continue
		}
		fn := &FunctionDef{
			Key:       key,
			Timing:    ParseTiming(v.Timing),
			Status:    StatusNotRunnable,
			RunNumber: -1,
			handler:   v.Handler,
		}
		r.functions = append(r.functions, fn)
		r.byKey[key] = fn
	}
	sort.Slice(r.functions, func(i, j int) bool {
		a, b := r.functions[i].Key, r.functions[j].Key
		if len(a) != len(b) {
			return len(a) < len(b)
		}
		return a < b
	})
	r.loaded = true
	if r.level < LevelImmediate {
		r.level = LevelImmediate
	}
	r.logger.Debug("variant registry loaded", "functions", len(r.functions), "level", r.level)

	if r.hasDeferred {
		keys := r.deferred
		r.deferred = nil
		r.hasDeferred = false
		r.reconcileLocked(keys)
	}
	return r.executeLocked(), true
}

func (r *Runner) update(keys []string) {
	r.mu.Lock()
	if r.stopped || r.timedOut {
		r.mu.Unlock()
		return
	}
	if !r.loaded {
		r.deferred = keys
		r.hasDeferred = true
		var p *pass
		if r.started {
			p, _ = r.loadLocked()
		}
		r.mu.Unlock()
		r.invoke(p)
		return
	}
	r.reconcileLocked(keys)
	p := r.executeLocked()
	r.mu.Unlock()
	r.invoke(p)
}

func (r *Runner) reconcileLocked(keys []string) {
	want := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		want[k] = struct{}{}
	}
	for _, fn := range r.functions {
		if _, ok := want[fn.Key]; !ok && fn.Status == StatusRunnable {
			fn.Status = StatusNotRunnable
		}
	}
	for _, k := range keys {
		fn, ok := r.byKey[k]
		if !ok {
			continue
		}
		if fn.Status == StatusNotRunnable {
			fn.Status = StatusRunnable
		}
	}
}

// raiseLocked moves the level up to level and executes a pass if it moved.
func (r *Runner) raiseLocked(level RunLevel) *pass {
	if level <= r.level {
		return nil
	}
	r.logger.Debug("run level raised", "from", r.level, "to", level)
	r.level = level
	return r.executeLocked()
}

// executeLocked freezes one RunRecord and marks its functions running.
func (r *Runner) executeLocked() *pass {
	if !r.loaded || r.timedOut {
		return nil
	}

	var toRun []*FunctionDef
	for _, fn := range r.functions {
		if fn.Status == StatusRunnable && fn.Timing.Level() <= r.level {
			toRun = append(toRun, fn)
		}
	}

	needed := make(map[string]struct{})
	for _, fn := range toRun {
		needed[fn.Key] = struct{}{}
	}
	for _, fn := range r.functions {
		switch {
		case r.level == LevelImmediate && fn.Timing == TimingLegacy && fn.Status == StatusRunnable:
			needed[fn.Key] = struct{}{}
		case r.level == LevelLegacy && fn.Timing == TimingImmediate && fn.Status == StatusRunning:
			needed[fn.Key] = struct{}{}
		}
	}

	rec := RunRecord{Number: len(r.runs), Level: r.level}
	for _, fn := range r.functions {
		if _, ok := needed[fn.Key]; ok && fn.Timing.gatesConfirm() {
			rec.NeededToConfirm = append(rec.NeededToConfirm, fn.Key)
		}
	}
	for _, fn := range toRun {
		fn.Status = StatusRunning
		fn.RunNumber = rec.Number
		rec.Started = append(rec.Started, fn.Key)
	}
	r.runs = append(r.runs, rec)

	r.logger.Debug("execute pass",
		"run", rec.Number,
		"level", r.level,
		"started", rec.Started,
		"needed_to_confirm", rec.NeededToConfirm,
	)
	return &pass{ctx: r.ctx, run: rec.Number, fns: toRun}
}

// invoke calls every handler of p in order. Synchronous outcomes settle
// immediately; asynchronous ones settle in a later task.
func (r *Runner) invoke(p *pass) {
	if p == nil {
		return
	}
	for _, fn := range p.fns {
		fn, run := fn, p.run
		out := r.call(p.ctx, fn, Invocation{Key: fn.Key, RunNumber: run})
		if !out.Async() {
			r.settle(fn, run, out.err)
			continue
		}
		out.later.Then(func(_ struct{}, err error) {
			r.poster.Post(func() { r.settle(fn, run, err) })
		})
	}
}

func (r *Runner) call(ctx context.Context, fn *FunctionDef, inv Invocation) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			out = Done(NewPanicError(fn.Key, rec))
		}
	}()
	return fn.handler(ctx, inv)
}

func (r *Runner) settle(fn *FunctionDef, run int, err error) {
	r.mu.Lock()
	if fn.Status != StatusRunning {
		r.mu.Unlock()
		return
	}
	confirm := false
	if err != nil {
		fn.Status = StatusRejected
	} else {
		fn.Status = StatusResolved
		confirm = r.confirmLocked(run)
	}
	r.mu.Unlock()

	if err != nil {
		var re *RuntimeError
		if !errors.As(err, &re) {
			re = NewHandlerError(fn.Key, err)
		}
		r.logger.Warn("variant function failed", "key", fn.Key, "run", run, "code", re.Code, "error", re.Message)
		r.client.Contaminate(ReasonErrorThrown, re.Message)
	}
	if confirm {
		r.logger.Info("run confirmed", "run", run)
		r.client.Confirm()
	}
}

// confirmLocked marks run confirmed if every function it waits on resolved.
func (r *Runner) confirmLocked(run int) bool {
	rec := &r.runs[run]
	if rec.Confirmed {
		return false
	}
	for _, key := range rec.NeededToConfirm {
		if r.byKey[key].Status != StatusResolved {
			return false
		}
	}
	rec.Confirmed = true
	return true
}
