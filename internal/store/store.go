package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/roach88/evolv/internal/clock"
	"github.com/roach88/evolv/internal/keypath"
	"github.com/roach88/evolv/internal/keystate"
	"github.com/roach88/evolv/internal/loop"
	"github.com/roach88/evolv/internal/promise"
	"github.com/roach88/evolv/internal/resolver"
	"github.com/roach88/evolv/internal/usercontext"
)

// Supported store versions.
const (
	Version1 = 1
	Version2 = 2
)

// Context keys written by the store.
const (
	ContextActiveKeys  = "keys.active"
	ContextAllocations = "experiments.allocations"
	ContextExclusions  = "experiments.exclusions"
)

// Change is delivered to active-key listeners.
type Change struct {
	Current  []string
	Previous []string
}

// Store is the key-state and promise bookkeeping over one participant.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
// Listener callbacks are delivered through the configured poster.
type Store struct {
	mu      sync.Mutex
	version int
	uctx    *usercontext.Context
	fetcher Fetcher
	clock   clock.Clock
	poster  loop.Poster
	logger  *slog.Logger
	group   singleflight.Group

	genome *keystate.Table
	config *keystate.Table

	configuration resolver.Configuration
	allocations   []resolver.Allocation
	snapshot      resolver.Snapshot

	pending   []*pendingRequest
	listeners map[int]*listener
	nextID    int

	pullTimer   clock.Timer
	baseCtx     context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	initialized bool
	destroyed   bool
}

type pendingRequest struct {
	keys    []string
	sources []*keystate.Table
	compute func() any
	settle  func(v any, err error)
}

type listener struct {
	prefix string
	fn     func(Change)
	primed bool
	last   []string
}

// Option configures a Store.
type Option func(*Store)

// WithVersion selects the fetch strategy (Version1 or Version2).
func WithVersion(v int) Option {
	return func(s *Store) {
		s.version = v
	}
}

// WithClock sets the clock used to debounce pulls.
func WithClock(c clock.Clock) Option {
	return func(s *Store) {
		s.clock = c
	}
}

// WithPoster sets where listener callbacks are delivered.
func WithPoster(p loop.Poster) Option {
	return func(s *Store) {
		s.poster = p
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.logger = l
	}
}

// New creates a store over uctx. Defaults to Version2, the real clock and
// inline listener delivery.
func New(uctx *usercontext.Context, fetcher Fetcher, opts ...Option) (*Store, error) {
	s := &Store{
		version:   Version2,
		uctx:      uctx,
		fetcher:   fetcher,
		clock:     clock.Real{},
		poster:    loop.Inline{},
		logger:    slog.Default(),
		genome:    keystate.New(keystate.Genome),
		config:    keystate.New(keystate.Config),
		listeners: make(map[int]*listener),
		snapshot:  resolver.Snapshot{Experiments: map[string]resolver.ExperimentState{}},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.version != Version1 && s.version != Version2 {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, s.version)
	}
	if uctx == nil || fetcher == nil {
		return nil, fmt.Errorf("store requires a context and a fetcher")
	}
	return s, nil
}

// Version returns the configured fetch strategy.
func (s *Store) Version() int {
	return s.version
}

// Initialize starts fetching. ctx bounds every fetch the store makes;
// cancelling it has the same effect on in-flight fetches as Destroy.
func (s *Store) Initialize(ctx context.Context) error {
	if _, err := s.uctx.Resolve(); err != nil {
		return fmt.Errorf("initialize store: %w", ErrNotInitialized)
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return ErrDestroyed
	}
	if s.initialized {
		s.mu.Unlock()
		return nil
	}
	s.initialized = true
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	if s.version == Version1 {
		s.genome.Need("")
		s.config.Need("")
	}
	s.unsubscribe = s.uctx.Subscribe(usercontext.TopicChanged, func(usercontext.Event) {
		s.refresh()
	})
	s.mu.Unlock()

	s.logger.Debug("store initialized", "version", s.version, "uid", s.uctx.UID())
	s.pull()
	return nil
}

// Get returns the effective genome value at key once loaded. A key that is
// not active resolves to nil.
func (s *Store) Get(key string) *promise.Promise[any] {
	return request(s, []string{key}, []*keystate.Table{s.genome, s.config}, func() any {
		v, _ := keypath.Get(resolver.EffectiveGenome(s.snapshot, s.configuration, s.allocations), key)
		return v
	})
}

// GetConfig returns the merged configuration value at key once loaded.
func (s *Store) GetConfig(key string) *promise.Promise[any] {
	return request(s, []string{key}, []*keystate.Table{s.config}, func() any {
		v, _ := keypath.Get(s.configTreeLocked(), key)
		return keypath.DeepCopy(v)
	})
}

// IsActive reports whether key is active once loaded.
func (s *Store) IsActive(key string) *promise.Promise[bool] {
	return request(s, []string{key}, []*keystate.Table{s.genome, s.config}, func() bool {
		return s.snapshot.IsActive(key)
	})
}

// GetActiveKeys returns a handle on the active keys under prefix.
func (s *Store) GetActiveKeys(prefix string) *ActiveKeys {
	return &ActiveKeys{store: s, prefix: prefix}
}

// ActiveEntryPoints returns the ids of experiments that currently have an
// active entry key.
func (s *Store) ActiveEntryPoints() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot.EntryExperiments()
}

// Snapshot returns the latest resolution.
func (s *Store) Snapshot() resolver.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// Allocations returns the cached allocations in fetch order.
func (s *Store) Allocations() []resolver.Allocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.allocations)
}

// EffectiveGenome returns the merged genome of every active key.
func (s *Store) EffectiveGenome() map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return resolver.EffectiveGenome(s.snapshot, s.configuration, s.allocations)
}

// KeyStates returns the genome and config tables. Intended for diagnostics.
func (s *Store) KeyStates() (genome, config *keystate.Table) {
	return s.genome, s.config
}

// Destroy rejects pending requests, drops listeners and resets key states.
func (s *Store) Destroy() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	if s.pullTimer != nil {
		s.pullTimer.Stop()
		s.pullTimer = nil
	}
	if s.cancel != nil {
		s.cancel()
	}
	pending := s.pending
	s.pending = nil
	s.listeners = make(map[int]*listener)
	s.genome.Reset()
	s.config.Reset()
	unsubscribe := s.unsubscribe
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, p := range pending {
		p.settle(nil, ErrDestroyed)
	}
	s.logger.Debug("store destroyed", "rejected", len(pending))
}

// request answers immediately when keys are loaded in every source,
// otherwise registers a pending request. compute runs under s.mu.
func request[T any](s *Store, keys []string, sources []*keystate.Table, compute func() T) *promise.Promise[T] {
	p := promise.New[T]()

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		p.Reject(ErrDestroyed)
		return p
	}
	if loadedIn(sources, keys) {
		v := compute()
		s.mu.Unlock()
		p.Resolve(v)
		return p
	}
	s.pending = append(s.pending, &pendingRequest{
		keys:    keys,
		sources: sources,
		compute: func() any { return compute() },
		settle: func(v any, err error) {
			if err != nil {
				p.Reject(err)
				return
			}
			t, _ := v.(T)
			p.Resolve(t)
		},
	})
	s.needLocked(keys, sources)
	s.mu.Unlock()
	return p
}

func loadedIn(sources []*keystate.Table, keys []string) bool {
	for _, t := range sources {
		for _, k := range keys {
			if !t.IsLoaded(k) {
				return false
			}
		}
	}
	return true
}

// needLocked marks keys needed and schedules a debounced pull. Version 1
// stores need everything from the start, so a request there only retries
// the root after a failed fetch put it back.
func (s *Store) needLocked(keys []string, sources []*keystate.Table) {
	outstanding := false
	for _, t := range sources {
		if s.version != Version1 {
			t.Need(keys...)
		}
		if len(t.Needed()) > 0 {
			outstanding = true
		}
	}
	if outstanding && s.initialized {
		s.schedulePullLocked()
	}
}

func (s *Store) schedulePullLocked() {
	if s.pullTimer != nil {
		return
	}
	s.pullTimer = s.clock.AfterFunc(0, s.pull)
}

// pull requests every needed key of both sources.
func (s *Store) pull() {
	s.mu.Lock()
	s.pullTimer = nil
	if s.destroyed || !s.initialized {
		s.mu.Unlock()
		return
	}
	batches := map[keystate.Source][]string{
		keystate.Config: s.config.Request(),
		keystate.Genome: s.genome.Request(),
	}
	s.mu.Unlock()

	for _, source := range []keystate.Source{keystate.Config, keystate.Genome} {
		if keys := batches[source]; len(keys) > 0 {
			s.logger.Debug("pulling keys", "source", source, "keys", keys)
			go s.fetch(source, keys)
		}
	}
}

func (s *Store) fetch(source keystate.Source, keys []string) {
	req := Request{Source: source, UID: s.uctx.UID(), SID: s.uctx.SID(), Keys: wireKeys(keys)}
	flight := string(source) + "|" + req.UID + "|" + strings.Join(keys, ",")

	payload, err, shared := s.group.Do(flight, func() (any, error) {
		if source == keystate.Config {
			return s.fetcher.FetchConfig(s.baseCtx, req)
		}
		return s.fetcher.FetchAllocations(s.baseCtx, req)
	})
	if shared {
		s.logger.Debug("fetch shared", "source", source, "keys", keys)
	}
	if err != nil {
		s.fail(source, keys, newFetchError(source, keys, err))
		return
	}
	s.ingest(source, keys, payload)
}

func (s *Store) ingest(source keystate.Source, keys []string, payload any) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	switch source {
	case keystate.Config:
		raw, _ := payload.(map[string]any)
		cfg, err := resolver.ParseConfiguration(raw)
		if err == nil {
			cfg, err = mergeConfigurations(s.configuration, cfg)
		}
		if err != nil {
			s.mu.Unlock()
			s.fail(source, keys, newPayloadError(source, keys, err))
			return
		}
		s.configuration = cfg
		s.config.Load(keys...)
	case keystate.Genome:
		list, _ := payload.([]any)
		allocs, err := resolver.ParseAllocations(list)
		if err != nil {
			s.mu.Unlock()
			s.fail(source, keys, newPayloadError(source, keys, err))
			return
		}
		s.allocations = mergeAllocations(s.allocations, allocs)
		s.genome.Load(keys...)
	}
	out := s.refreshLocked()
	s.mu.Unlock()

	s.logger.Debug("keys loaded", "source", source, "keys", keys)
	s.deliver(out)
}

func (s *Store) fail(source keystate.Source, keys []string, err *RuntimeError) {
	table := s.genome
	if source == keystate.Config {
		table = s.config
	}

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	table.Fail(keys...)
	var rejected []*pendingRequest
	kept := s.pending[:0]
	for _, p := range s.pending {
		if slices.Contains(p.sources, table) && intersects(p.keys, keys) {
			rejected = append(rejected, p)
			continue
		}
		kept = append(kept, p)
	}
	s.pending = kept
	s.mu.Unlock()

	s.logger.Warn("fetch failed", "source", source, "keys", keys, "rejected", len(rejected), "error", err.Err)
	for _, p := range rejected {
		p.settle(nil, err)
	}
}

// refresh re-resolves after a context change.
func (s *Store) refresh() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	out := s.refreshLocked()
	s.mu.Unlock()
	s.deliver(out)
}

// outcome is the work a resolution hands back for execution outside s.mu.
type outcome struct {
	notifications []func()
	settled       []func()
	mirror        map[string]any
}

func (s *Store) refreshLocked() outcome {
	ctx, err := s.uctx.Resolve()
	if err != nil {
		ctx = map[string]any{}
	}
	loaded := func(key string) bool {
		return s.genome.Reaches(key) && s.config.Reaches(key)
	}
	s.snapshot = resolver.Resolve(ctx, s.configuration, s.allocations, loaded)

	for _, exp := range s.configuration.Experiments {
		st := s.snapshot.Experiments[exp.ID]
		s.config.SetActive(exp.ID, st.Active)
		s.config.SetEntry(exp.ID, st.Entry)
	}

	var out outcome
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		if note := s.noteLocked(id, s.listeners[id]); note != nil {
			out.notifications = append(out.notifications, note)
		}
	}

	kept := s.pending[:0]
	for _, p := range s.pending {
		if !loadedIn(p.sources, p.keys) {
			kept = append(kept, p)
			continue
		}
		v := p.compute()
		settle := p.settle
		out.settled = append(out.settled, func() { settle(v, nil) })
	}
	s.pending = kept

	out.mirror = s.mirrorLocked()
	return out
}

// noteLocked returns the notification owed to l, or nil.
func (s *Store) noteLocked(id int, l *listener) func() {
	if !s.genome.IsLoaded(l.prefix) || !s.config.IsLoaded(l.prefix) {
		return nil
	}
	current := s.snapshot.ActiveWithPrefix(l.prefix)
	if l.primed && slices.Equal(current, l.last) {
		return nil
	}
	previous := l.last
	if previous == nil {
		previous = []string{}
	}
	l.primed = true
	l.last = current
	fn := l.fn
	return func() {
		if !s.listening(id) {
			return
		}
		fn(Change{Current: slices.Clone(current), Previous: slices.Clone(previous)})
	}
}

func (s *Store) listening(id int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.listeners[id]
	return ok
}

func (s *Store) mirrorLocked() map[string]any {
	active := make([]any, 0, len(s.snapshot.Active))
	for _, k := range s.snapshot.Active {
		active = append(active, k)
	}
	allocations := make([]any, 0, len(s.allocations))
	exclusions := make([]any, 0)
	for _, a := range s.allocations {
		if a.Excluded {
			exclusions = append(exclusions, a.EID)
			continue
		}
		allocations = append(allocations, map[string]any{
			"uid": a.UID,
			"sid": a.SID,
			"eid": a.EID,
			"cid": a.CID,
		})
	}
	return map[string]any{
		ContextActiveKeys:  active,
		ContextAllocations: allocations,
		ContextExclusions:  exclusions,
	}
}

// deliver posts listener notifications, mirrors into the context and
// settles pending requests, in that order.
func (s *Store) deliver(out outcome) {
	for _, note := range out.notifications {
		s.poster.Post(note)
	}
	for _, key := range keypath.SortedKeys(out.mirror) {
		if _, err := s.uctx.Set(key, out.mirror[key], true); err != nil {
			s.logger.Debug("context mirror skipped", "key", key, "error", err)
		}
	}
	for _, settle := range out.settled {
		settle()
	}
}

func (s *Store) configTreeLocked() map[string]any {
	out := make(map[string]any)
	for _, exp := range s.configuration.Experiments {
		keypath.DeepMerge(out, keypath.CopyTree(exp.Tree))
	}
	return out
}

func (s *Store) addListener(prefix string, fn func(Change)) func() {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return func() {}
	}
	s.nextID++
	id := s.nextID
	l := &listener{prefix: prefix, fn: fn}
	s.listeners[id] = l
	note := s.noteLocked(id, l)
	if note == nil {
		s.needLocked([]string{prefix}, []*keystate.Table{s.genome, s.config})
	}
	s.mu.Unlock()

	if note != nil {
		s.poster.Post(note)
	}
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.listeners, id)
	}
}

// intersects reports whether any key of a covers or is covered by any key of b.
func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if keypath.Covers(x, y) || keypath.Covers(y, x) {
				return true
			}
		}
	}
	return false
}

func mergeTrees(a, b map[string]any) map[string]any {
	return keypath.DeepMerge(keypath.CopyTree(a), keypath.CopyTree(b))
}
