package persist

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Well-known keys.
const (
	KeyUID = "evolv:uid"
	KeySID = "evolv:sid"
)

// ErrClosed is returned by operations on a closed KV.
var ErrClosed = errors.New("persist: closed")

// KV is a string key-value store.
type KV interface {
	// Get returns the value and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// PayloadKey returns the cache key for a payload of source for uid,
// restricted to keys (nil means the full document).
func PayloadKey(source, uid string, keys []string) string {
	key := fmt.Sprintf("evolv:%s:%s", source, uid)
	if len(keys) > 0 {
		key += ":" + strings.Join(keys, ",")
	}
	return key
}

// Memory is an in-process KV.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type Memory struct {
	mu     sync.Mutex
	values map[string]string
	closed bool
}

// NewMemory returns an empty in-memory KV.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]string)}
}

// Get returns the value stored at key.
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.values[key]
	return v, ok, nil
}

// Set stores value at key.
func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.values[key] = value
	return nil
}

// Delete removes key.
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.values, key)
	return nil
}

// Close discards every value.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.values = nil
	return nil
}
