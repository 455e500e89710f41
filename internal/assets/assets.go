// Package assets connects active-key changes to the page.
//
// When the environment stylesheet is present, every active key under the
// prefix becomes a class on the root element (evolv_web_page_button for
// web.page.button). When the environment script is present, the same class
// names are handed to the runner as the functions to run. A page with the
// stylesheet but no script has nothing that could confirm later, so it
// confirms as soon as any key is live.
package assets

import (
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/evolv/internal/page"
	"github.com/roach88/evolv/internal/store"
)

// ClassPrefix starts every class name derived from a key.
const ClassPrefix = "evolv_"

// Client is the part of the client facade the manager needs.
type Client interface {
	ListenActiveKeys(prefix string, fn func(store.Change)) (cancel func())
	Confirm()
}

// Scheduler receives the functions that should run.
type Scheduler interface {
	UpdateFunctionsToRun(keys []string)
}

// ClassName converts a dot-path key to its class name.
func ClassName(key string) string {
	return ClassPrefix + strings.ReplaceAll(key, ".", "_")
}

// ClassNames converts keys to class names, preserving order.
func ClassNames(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = ClassName(k)
	}
	return out
}

// Manager applies active-key changes to the document and the runner.
//
// Thread-safety: Start and Stop are safe for concurrent use. Change
// handling runs wherever the client delivers active-key notifications.
type Manager struct {
	client    Client
	doc       page.Document
	scheduler Scheduler
	prefix    string
	logger    *slog.Logger

	mu     sync.Mutex
	cancel func()
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrefix sets the key prefix to watch. Defaults to "web".
func WithPrefix(prefix string) Option {
	return func(m *Manager) {
		m.prefix = prefix
	}
}

// WithLogger sets the manager logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// New creates a manager. scheduler may be nil when the page has no script.
func New(client Client, doc page.Document, scheduler Scheduler, opts ...Option) *Manager {
	m := &Manager{
		client:    client,
		doc:       doc,
		scheduler: scheduler,
		prefix:    "web",
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start subscribes to active-key changes. Calling Start twice is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return
	}
	m.cancel = m.client.ListenActiveKeys(m.prefix, m.apply)
	m.logger.Debug("asset manager started",
		"prefix", m.prefix,
		"stylesheet", m.doc.HasStylesheet(),
		"script", m.doc.HasScript(),
	)
}

// Stop ends the subscription. Classes already applied stay on the page.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

func (m *Manager) apply(change store.Change) {
	current := ClassNames(change.Current)
	css := m.doc.HasStylesheet()
	js := m.doc.HasScript()

	if css {
		for _, name := range ClassNames(change.Previous) {
			if !slices.Contains(current, name) {
				m.doc.RemoveClass(name)
			}
		}
		for _, name := range current {
			m.doc.AddClass(name)
		}
	}
	if js && m.scheduler != nil {
		m.scheduler.UpdateFunctionsToRun(current)
	}
	if css && !js && len(current) > 0 {
		m.client.Confirm()
	}
	m.logger.Debug("active keys applied", "current", len(current), "previous", len(change.Previous))
}
