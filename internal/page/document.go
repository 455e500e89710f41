package page

import (
	"slices"
	"sync"
	"time"
)

// ReadyState mirrors document.readyState.
type ReadyState string

const (
	Loading     ReadyState = "loading"
	Interactive ReadyState = "interactive"
	Complete    ReadyState = "complete"
)

// Document is the host page as seen by the runtime.
type Document interface {
	ReadyState() ReadyState
	// OnReadyStateChange registers fn for ready-state transitions. fn may be
	// called from any goroutine.
	OnReadyStateChange(fn func(ReadyState)) (cancel func())
	// DOMContentLoadedAt is the DOMContentLoaded event start, zero until it fires.
	DOMContentLoadedAt() time.Time

	AddClass(name string)
	RemoveClass(name string)
	Classes() []string

	// HasStylesheet reports whether the environment stylesheet is present.
	HasStylesheet() bool
	// HasScript reports whether the environment script is present.
	HasScript() bool
}

// Memory is an in-process Document.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
// Ready-state callbacks run on the goroutine calling SetReadyState.
type Memory struct {
	mu         sync.Mutex
	state      ReadyState
	dclAt      time.Time
	classes    []string
	stylesheet bool
	script     bool
	listeners  map[int]func(ReadyState)
	nextID     int
}

// NewMemory creates a loading document with the given assets.
func NewMemory(stylesheet, script bool) *Memory {
	return &Memory{
		state:      Loading,
		stylesheet: stylesheet,
		script:     script,
		listeners:  make(map[int]func(ReadyState)),
	}
}

// ReadyState returns the current state.
func (m *Memory) ReadyState() ReadyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// SetReadyState moves the document to state and notifies listeners.
// Moving to Interactive records at as the DOMContentLoaded time.
// Transitions backwards are ignored.
func (m *Memory) SetReadyState(state ReadyState, at time.Time) {
	m.mu.Lock()
	if rank(state) <= rank(m.state) {
		m.mu.Unlock()
		return
	}
	m.state = state
	if m.dclAt.IsZero() && state != Loading {
		m.dclAt = at
	}
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(ReadyState), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}

// OnReadyStateChange registers fn.
func (m *Memory) OnReadyStateChange(fn func(ReadyState)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

// DOMContentLoadedAt returns the recorded DOMContentLoaded time.
func (m *Memory) DOMContentLoadedAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dclAt
}

// AddClass adds name to the root class list if absent.
func (m *Memory) AddClass(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !slices.Contains(m.classes, name) {
		m.classes = append(m.classes, name)
	}
}

// RemoveClass removes name from the root class list.
func (m *Memory) RemoveClass(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes = slices.DeleteFunc(m.classes, func(c string) bool { return c == name })
}

// Classes returns the class list in insertion order.
func (m *Memory) Classes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.classes)
}

// HasStylesheet reports whether the stylesheet asset is present.
func (m *Memory) HasStylesheet() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stylesheet
}

// HasScript reports whether the script asset is present.
func (m *Memory) HasScript() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.script
}

func rank(s ReadyState) int {
	switch s {
	case Interactive:
		return 1
	case Complete:
		return 2
	default:
		return 0
	}
}

var _ Document = (*Memory)(nil)
