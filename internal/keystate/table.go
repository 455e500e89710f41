package keystate

import (
	"sort"
	"sync"

	"github.com/roach88/evolv/internal/keypath"
)

// Source names the remote document a table tracks.
type Source string

const (
	Genome Source = "genome"
	Config Source = "config"
)

// Table is the key-state bookkeeping for one source.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Table struct {
	mu        sync.Mutex
	source    Source
	needed    map[string]struct{}
	requested map[string]struct{}
	loaded    map[string]struct{}

	// Config only: per experiment active and entry keys from the last resolution.
	active map[string][]string
	entry  map[string][]string
}

// New creates an empty table.
func New(source Source) *Table {
	t := &Table{source: source}
	t.resetLocked()
	return t
}

// Source returns the source this table tracks.
func (t *Table) Source() Source {
	return t.source
}

// Need marks keys as needed and returns the ones that were newly added.
// Keys already covered by a requested or loaded key are skipped.
func (t *Table) Need(keys ...string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var added []string
	for _, key := range keys {
		if coveredBy(t.loaded, key) || coveredBy(t.requested, key) {
			continue
		}
		if _, ok := t.needed[key]; ok {
			continue
		}
		t.needed[key] = struct{}{}
		added = append(added, key)
	}
	return added
}

// Request moves every needed key to requested and returns them sorted.
func (t *Table) Request() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.needed) == 0 {
		return nil
	}
	keys := keypath.SortedKeys(t.needed)
	for _, key := range keys {
		t.requested[key] = struct{}{}
	}
	t.needed = make(map[string]struct{})
	return keys
}

// Load moves keys from requested to loaded. Requested or needed keys
// covered by a newly loaded key are settled as well.
func (t *Table) Load(keys ...string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, key := range keys {
		t.loaded[key] = struct{}{}
		for pending := range t.requested {
			if keypath.Covers(key, pending) {
				delete(t.requested, pending)
			}
		}
		for pending := range t.needed {
			if keypath.Covers(key, pending) {
				delete(t.needed, pending)
			}
		}
	}
}

// Fail moves keys from requested back to needed and returns the moved keys.
// Keys that are not currently requested are ignored.
func (t *Table) Fail(keys ...string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var moved []string
	for _, key := range keys {
		if _, ok := t.requested[key]; !ok {
			continue
		}
		delete(t.requested, key)
		t.needed[key] = struct{}{}
		moved = append(moved, key)
	}
	return moved
}

// IsLoaded reports whether key is covered by a loaded key.
func (t *Table) IsLoaded(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return coveredBy(t.loaded, key)
}

// Reaches reports whether key is loaded or lies on the path to a loaded
// key. A payload for a.b.c carries the nodes a and a.b as well.
func (t *Table) Reaches(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if coveredBy(t.loaded, key) {
		return true
	}
	for loaded := range t.loaded {
		if keypath.Covers(key, loaded) {
			return true
		}
	}
	return false
}

// IsRequested reports whether key is covered by an in-flight key.
func (t *Table) IsRequested(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return coveredBy(t.requested, key)
}

// Needed returns the needed keys, sorted.
func (t *Table) Needed() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return keypath.SortedKeys(t.needed)
}

// Requested returns the in-flight keys, sorted.
func (t *Table) Requested() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return keypath.SortedKeys(t.requested)
}

// Loaded returns the loaded keys, sorted.
func (t *Table) Loaded() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return keypath.SortedKeys(t.loaded)
}

// SetActive replaces the active keys recorded for an experiment.
func (t *Table) SetActive(eid string, keys []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	setList(t.active, eid, keys)
}

// SetEntry replaces the entry keys recorded for an experiment.
func (t *Table) SetEntry(eid string, keys []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	setList(t.entry, eid, keys)
}

// Active returns the active keys recorded for eid.
func (t *Table) Active(eid string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.active[eid]...)
}

// Entry returns the entry keys recorded for eid.
func (t *Table) Entry(eid string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.entry[eid]...)
}

// ActiveExperiments returns the ids with at least one active key, sorted.
func (t *Table) ActiveExperiments() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return keypath.SortedKeys(t.active)
}

// Reset clears every set.
func (t *Table) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resetLocked()
}

func (t *Table) resetLocked() {
	t.needed = make(map[string]struct{})
	t.requested = make(map[string]struct{})
	t.loaded = make(map[string]struct{})
	t.active = make(map[string][]string)
	t.entry = make(map[string][]string)
}

func setList(m map[string][]string, eid string, keys []string) {
	if len(keys) == 0 {
		delete(m, eid)
		return
	}
	list := append([]string(nil), keys...)
	sort.Strings(list)
	m[eid] = list
}

func coveredBy(set map[string]struct{}, key string) bool {
	for prefix := range set {
		if keypath.Covers(prefix, key) {
			return true
		}
	}
	return false
}
