package usercontext

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/evolv/internal/keypath"
	"github.com/roach88/evolv/internal/loop"
)

var (
	// ErrNotInitialized is returned by reads and writes before Initialize.
	ErrNotInitialized = errors.New("context not initialized")
	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("context already initialized")
	// ErrDestroyed is returned by every operation after Destroy.
	ErrDestroyed = errors.New("context destroyed")
)

// Event topics.
const (
	TopicInitialized  = "context.initialized"
	TopicChanged      = "context.changed"
	TopicValueAdded   = "context.value.added"
	TopicValueChanged = "context.value.changed"
	TopicValueRemoved = "context.value.removed"
	TopicDestroyed    = "context.destroyed"
)

// Event describes a context mutation.
type Event struct {
	Topic    string
	Key      string
	Value    any
	Previous any
	Local    bool
	// Snapshot is the effective view after the mutation.
	Snapshot map[string]any
}

// Listener receives context events.
type Listener func(Event)

// Context is the layered, mutex-protected participant context.
type Context struct {
	mu          sync.Mutex
	uid         string
	sid         string
	remote      map[string]any
	local       map[string]any
	initialized bool
	destroyed   bool

	poster    loop.Poster
	listeners map[string]map[int]Listener
	nextID    int
}

// New creates an uninitialized context that delivers events through poster.
// A nil poster delivers inline.
func New(poster loop.Poster) *Context {
	if poster == nil {
		poster = loop.Inline{}
	}
	return &Context{
		poster:    poster,
		listeners: make(map[string]map[int]Listener),
	}
}

// Initialize sets identity and the initial layers. It may be called once.
func (c *Context) Initialize(uid, sid string, remote, local map[string]any) error {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return ErrDestroyed
	}
	if c.initialized {
		c.mu.Unlock()
		return ErrAlreadyInitialized
	}
	c.uid = uid
	c.sid = sid
	c.remote = keypath.CopyTree(remote)
	c.local = keypath.CopyTree(local)
	c.initialized = true
	snapshot := c.resolveLocked()
	c.mu.Unlock()

	c.emit(Event{Topic: TopicInitialized, Snapshot: snapshot})
	return nil
}

// UID returns the participant id.
func (c *Context) UID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.uid
}

// SID returns the session id.
func (c *Context) SID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sid
}

func (c *Context) checkLocked() error {
	if c.destroyed {
		return ErrDestroyed
	}
	if !c.initialized {
		return ErrNotInitialized
	}
	return nil
}

// Resolve returns an independent copy of the effective view.
func (c *Context) Resolve() (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return nil, err
	}
	return c.resolveLocked(), nil
}

func (c *Context) resolveLocked() map[string]any {
	return keypath.DeepMerge(keypath.CopyTree(c.local), c.remote)
}

// Remote returns a copy of the remote layer.
func (c *Context) Remote() (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return nil, err
	}
	return keypath.CopyTree(c.remote), nil
}

// Local returns a copy of the local layer.
func (c *Context) Local() (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return nil, err
	}
	return keypath.CopyTree(c.local), nil
}

// Get returns a copy of the effective value at key.
func (c *Context) Get(key string) (any, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkLocked(); err != nil {
		return nil, false, err
	}
	v, ok := keypath.Get(c.resolveLocked(), key)
	return v, ok, nil
}

// Set stores value at key in the local or remote layer and reports whether
// the layer changed. Setting an equal value is a no-op without events.
func (c *Context) Set(key string, value any, local bool) (bool, error) {
	c.mu.Lock()
	if err := c.checkLocked(); err != nil {
		c.mu.Unlock()
		return false, err
	}
	if key == "" {
		c.mu.Unlock()
		return false, fmt.Errorf("set: empty key")
	}
	layer := c.layerLocked(local)
	previous, existed := keypath.Get(layer, key)
	if existed && keypath.Equal(previous, value) {
		c.mu.Unlock()
		return false, nil
	}
	keypath.Set(layer, key, keypath.DeepCopy(value))
	snapshot := c.resolveLocked()
	c.mu.Unlock()

	topic := TopicValueAdded
	if existed {
		topic = TopicValueChanged
	}
	c.emit(Event{Topic: topic, Key: key, Value: keypath.DeepCopy(value), Previous: previous, Local: local, Snapshot: snapshot})
	c.emit(Event{Topic: TopicChanged, Key: key, Value: keypath.DeepCopy(value), Previous: previous, Local: local, Snapshot: snapshot})
	return true, nil
}

// Update sets every entry of values (dot-path keys) in one layer.
func (c *Context) Update(values map[string]any, local bool) error {
	for _, key := range keypath.SortedKeys(values) {
		if _, err := c.Set(key, values[key], local); err != nil {
			return fmt.Errorf("update %q: %w", key, err)
		}
	}
	return nil
}

// Remove deletes key from both layers and reports whether anything was removed.
func (c *Context) Remove(key string) (bool, error) {
	c.mu.Lock()
	if err := c.checkLocked(); err != nil {
		c.mu.Unlock()
		return false, err
	}
	previous, _ := keypath.Get(c.resolveLocked(), key)
	removedLocal := keypath.Remove(c.local, key)
	removedRemote := keypath.Remove(c.remote, key)
	if !removedLocal && !removedRemote {
		c.mu.Unlock()
		return false, nil
	}
	snapshot := c.resolveLocked()
	c.mu.Unlock()

	c.emit(Event{Topic: TopicValueRemoved, Key: key, Previous: previous, Local: removedLocal && !removedRemote, Snapshot: snapshot})
	c.emit(Event{Topic: TopicChanged, Key: key, Previous: previous, Local: removedLocal && !removedRemote, Snapshot: snapshot})
	return true, nil
}

// PushToArray appends value to the array at key, keeping at most limit
// trailing entries when limit > 0.
func (c *Context) PushToArray(key string, value any, local bool, limit int) error {
	c.mu.Lock()
	if err := c.checkLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	existing, _ := keypath.Get(c.layerLocked(local), key)
	c.mu.Unlock()

	list, _ := existing.([]any)
	next := append(keypath.DeepCopy(list).([]any), value)
	if limit > 0 && len(next) > limit {
		next = next[len(next)-limit:]
	}
	_, err := c.Set(key, next, local)
	return err
}

// Destroy clears both layers irreversibly.
func (c *Context) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.remote = nil
	c.local = nil
	c.mu.Unlock()

	c.emit(Event{Topic: TopicDestroyed})
}

func (c *Context) layerLocked(local bool) map[string]any {
	if local {
		return c.local
	}
	return c.remote
}

// Subscribe registers fn for topic and returns a function that removes it.
func (c *Context) Subscribe(topic string, fn Listener) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	if c.listeners[topic] == nil {
		c.listeners[topic] = make(map[int]Listener)
	}
	c.listeners[topic][id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.listeners[topic], id)
	}
}

// emit posts one task per listener. Listeners are captured at emit time.
func (c *Context) emit(ev Event) {
	c.mu.Lock()
	registered := c.listeners[ev.Topic]
	ids := make([]int, 0, len(registered))
	for id := range registered {
		ids = append(ids, id)
	}
	listeners := make([]Listener, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		listeners = append(listeners, registered[id])
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		fn := fn
		c.poster.Post(func() { fn(ev) })
	}
}
