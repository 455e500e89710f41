package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/roach88/evolv/internal/beacon"
	"github.com/roach88/evolv/internal/clock"
	"github.com/roach88/evolv/internal/config"
	"github.com/roach88/evolv/internal/identity"
	"github.com/roach88/evolv/internal/loop"
	"github.com/roach88/evolv/internal/metrics"
	"github.com/roach88/evolv/internal/persist"
	"github.com/roach88/evolv/internal/remote"
	"github.com/roach88/evolv/internal/resolver"
	"github.com/roach88/evolv/internal/store"
	"github.com/roach88/evolv/internal/usercontext"
)

// Context keys the client records telemetry under (local layer).
const (
	ContextConfirmations  = "experiments.confirmations"
	ContextContaminations = "experiments.contaminations"
)

// closeTimeout bounds the final beacon flush in Destroy.
const closeTimeout = 5 * time.Second

// ErrDestroyed is returned by Initialize after Destroy.
var ErrDestroyed = errors.New("client destroyed")

// Deps are the collaborators a client can be given. Zero fields are built
// from the options.
type Deps struct {
	Fetcher   store.Fetcher
	KV        persist.KV
	Emitter   beacon.Emitter
	Generator identity.Generator
	Clock     clock.Clock
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Client is the host-facing facade.
//
// Thread-safety: All methods are safe for concurrent use. Listener callbacks
// run on the client's loop.
type Client struct {
	opts    config.Options
	loop    *loop.Loop
	uctx    *usercontext.Context
	store   *store.Store
	kv      persist.KV
	emitter beacon.Emitter
	gen     identity.Generator
	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics

	ownKV      bool
	ownEmitter *beacon.HTTPEmitter

	mu        sync.Mutex // serializes telemetry bookkeeping
	destroyed bool
}

// New validates opts and wires a client. Invalid options return *config.Error.
func New(opts config.Options, deps Deps) (*Client, error) {
	opts = opts.WithDefaults()
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:    opts,
		kv:      deps.KV,
		gen:     deps.Generator,
		clock:   deps.Clock,
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}
	if c.metrics == nil {
		c.metrics = metrics.New()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.clock == nil {
		c.clock = clock.Real{}
	}
	if c.gen == nil {
		c.gen = identity.UUIDv7Generator{}
	}
	if c.kv == nil {
		kv, err := openStorage(opts.Storage)
		if err != nil {
			return nil, err
		}
		c.kv = kv
		c.ownKV = true
	}

	c.emitter = deps.Emitter
	if c.emitter == nil {
		c.emitter = beacon.Discard{}
		if opts.Beacon.Enabled {
			c.ownEmitter = beacon.NewHTTPEmitter(opts.Endpoint, opts.Environment,
				beacon.WithBatchSize(opts.Beacon.BatchSize),
				beacon.WithFlushInterval(opts.Beacon.FlushInterval),
				beacon.WithRateLimit(rate.Limit(opts.Beacon.Rate), 1),
				beacon.WithLogger(c.logger),
			)
			c.emitter = c.ownEmitter
		}
	}
	c.emitter = c.metrics.Emitter(c.emitter)

	fetcher := deps.Fetcher
	if fetcher == nil {
		hf := remote.NewHTTPFetcher(opts.Endpoint, opts.Environment)
		hf.Logger = c.logger
		fetcher = hf
	}
	cached := persist.NewCachingFetcher(c.metrics.Fetcher(fetcher), c.kv)
	cached.Logger = c.logger

	c.loop = loop.New(loop.WithLogger(c.logger))
	c.uctx = usercontext.New(c.loop)
	s, err := store.New(c.uctx, cached,
		store.WithVersion(opts.Version),
		store.WithClock(c.clock),
		store.WithPoster(c.loop),
		store.WithLogger(c.logger),
	)
	if err != nil {
		c.release()
		return nil, &config.Error{Field: "version", Message: err.Error()}
	}
	c.store = s
	return c, nil
}

func openStorage(s config.Storage) (persist.KV, error) {
	if s.Kind == config.StorageSQLite {
		kv, err := persist.OpenSQLite(s.Path)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		return kv, nil
	}
	return persist.NewMemory(), nil
}

// Metrics returns the client's collectors.
func (c *Client) Metrics() *metrics.Metrics {
	return c.metrics
}

// Options returns the effective options.
func (c *Client) Options() config.Options {
	return c.opts
}

// Initialize establishes the participant identity, seeds the context and
// starts the store. Identity comes from the options when set, otherwise from
// storage, otherwise it is generated and persisted.
func (c *Client) Initialize(ctx context.Context, remoteCtx, localCtx map[string]any) error {
	c.mu.Lock()
	destroyed := c.destroyed
	c.mu.Unlock()
	if destroyed {
		return ErrDestroyed
	}

	id, err := identity.Ensure(ctx, c.kv, c.gen, c.opts.UID, c.opts.SID)
	if err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	if err := c.uctx.Initialize(id.UID, id.SID, remoteCtx, localCtx); err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	if err := c.store.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize client: %w", err)
	}
	c.logger.Info("client initialized",
		"environment", c.opts.Environment,
		"uid", id.UID,
		"sid", id.SID,
		"new_uid", id.CreatedUID,
	)
	return nil
}

// UID returns the participant id, empty before Initialize.
func (c *Client) UID() string { return c.uctx.UID() }

// SID returns the session id, empty before Initialize.
func (c *Client) SID() string { return c.uctx.SID() }

// Context returns the participant context.
func (c *Client) Context() *usercontext.Context { return c.uctx }

// Store returns the underlying store for promise-based access.
func (c *Client) Store() *store.Store { return c.store }

// Loop returns the loop listener callbacks are delivered on.
func (c *Client) Loop() *loop.Loop { return c.loop }

// Run executes loop tasks until ctx is cancelled or the client is destroyed.
func (c *Client) Run(ctx context.Context) error {
	return c.loop.Run(ctx)
}

// Get blocks until key is loaded and returns its effective genome value.
func (c *Client) Get(ctx context.Context, key string) (any, error) {
	return c.store.Get(key).Wait(ctx)
}

// GetConfig blocks until key is loaded and returns its configuration value.
func (c *Client) GetConfig(ctx context.Context, key string) (any, error) {
	return c.store.GetConfig(key).Wait(ctx)
}

// IsActive blocks until key is loaded and reports whether it is active.
func (c *Client) IsActive(ctx context.Context, key string) (bool, error) {
	return c.store.IsActive(key).Wait(ctx)
}

// GetActiveKeys returns a view of the active keys under prefix.
func (c *Client) GetActiveKeys(prefix string) *store.ActiveKeys {
	return c.store.GetActiveKeys(prefix)
}

// ListenActiveKeys subscribes fn to active-key changes under prefix.
func (c *Client) ListenActiveKeys(prefix string, fn func(store.Change)) (cancel func()) {
	return c.store.GetActiveKeys(prefix).Listen(fn)
}

// Confirm records a confirmation for every live allocation not yet
// confirmed or contaminated.
func (c *Client) Confirm() {
	c.signal(beacon.TypeConfirmation, "", "", false)
}

// Contaminate records a contamination for every live allocation not yet
// confirmed or contaminated.
func (c *Client) Contaminate(reason, details string) {
	c.signal(beacon.TypeContamination, reason, details, false)
}

// ContaminateAll records a contamination for every allocation, live or not.
func (c *Client) ContaminateAll(reason, details string) {
	c.signal(beacon.TypeContamination, reason, details, true)
}

func (c *Client) signal(typ, reason, details string, all bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}

	live := make(map[string]bool)
	for _, eid := range c.store.ActiveEntryPoints() {
		live[eid] = true
	}
	now := c.clock.Now()
	key := ContextConfirmations
	skip := []string{ContextConfirmations, ContextContaminations}
	if typ == beacon.TypeContamination {
		key = ContextContaminations
		skip = skip[1:]
	}
	done := c.recordedLocked(skip...)

	var emitted []string
	for _, a := range c.store.Allocations() {
		if a.Excluded || done[a.CID] || (!all && !live[a.EID]) {
			continue
		}
		record := map[string]any{
			"cid":       a.CID,
			"eid":       a.EID,
			"timestamp": now.UnixMilli(),
		}
		if typ == beacon.TypeContamination {
			record["reason"] = reason
			if details != "" {
				record["details"] = details
			}
		}
		if err := c.uctx.PushToArray(key, record, true, 0); err != nil {
			c.logger.Debug("telemetry record skipped", "type", typ, "eid", a.EID, "error", err)
			continue
		}
		c.emitter.Emit(beacon.Event{
			Type:      typ,
			UID:       c.uctx.UID(),
			SID:       c.uctx.SID(),
			EID:       a.EID,
			CID:       a.CID,
			Reason:    reason,
			Details:   details,
			Timestamp: now,
		})
		emitted = append(emitted, a.EID)
	}
	if len(emitted) > 0 {
		c.logger.Info("telemetry recorded", "type", typ, "experiments", emitted, "reason", reason)
	}
}

// recordedLocked returns the candidate ids recorded under any of keys. A
// contaminated candidate is never confirmed, but a confirmed one can still
// be contaminated.
func (c *Client) recordedLocked(keys ...string) map[string]bool {
	out := make(map[string]bool)
	for _, key := range keys {
		v, _, err := c.uctx.Get(key)
		if err != nil {
			continue
		}
		list, _ := v.([]any)
		for _, item := range list {
			rec, _ := item.(map[string]any)
			if cid, ok := rec["cid"].(string); ok {
				out[cid] = true
			}
		}
	}
	return out
}

// Confirmations returns the experiment ids confirmed so far, in order.
func (c *Client) Confirmations() []string {
	return c.recordedEIDs(ContextConfirmations)
}

// Contaminations returns the experiment ids contaminated so far, in order.
func (c *Client) Contaminations() []string {
	return c.recordedEIDs(ContextContaminations)
}

func (c *Client) recordedEIDs(key string) []string {
	v, _, err := c.uctx.Get(key)
	if err != nil {
		return nil
	}
	list, _ := v.([]any)
	out := make([]string, 0, len(list))
	for _, item := range list {
		rec, _ := item.(map[string]any)
		if eid, ok := rec["eid"].(string); ok {
			out = append(out, eid)
		}
	}
	return out
}

// Allocations returns the participant's allocations.
func (c *Client) Allocations() []resolver.Allocation {
	return c.store.Allocations()
}

// ActiveEntryPoints returns the ids of experiments that are currently live.
func (c *Client) ActiveEntryPoints() []string {
	return slices.Clone(c.store.ActiveEntryPoints())
}

// Destroy tears down the store and context, flushes owned beacons, closes
// owned storage and stops the loop.
func (c *Client) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.mu.Unlock()

	c.store.Destroy()
	c.uctx.Destroy()
	c.release()
	c.logger.Debug("client destroyed")
}

func (c *Client) release() {
	if c.ownEmitter != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := c.ownEmitter.Close(ctx); err != nil {
			c.logger.Warn("beacon flush failed", "error", err)
		}
	}
	if c.ownKV {
		if err := c.kv.Close(); err != nil {
			c.logger.Warn("storage close failed", "error", err)
		}
	}
	if c.loop != nil {
		c.loop.Close()
	}
}
