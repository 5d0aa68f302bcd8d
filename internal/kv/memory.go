package kv

import (
	"context"
	"sync"
	"time"
)

// Compile-time assertion that Memory satisfies the Store interface.
var _ Store = (*Memory)(nil)

// Memory is a thread-safe, in-process implementation of [Store]. Expired
// entries are dropped lazily on access. Suitable for tests and single-node
// development; it provides the same atomicity guarantees as the Redis
// implementation within one process.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry

	// now is overridable so TTL behaviour can be tested against a virtual
	// clock.
	now func() time.Time
}

type memEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryOption is a functional option for [NewMemory].
type MemoryOption func(*Memory)

// WithClock replaces the wall clock used for expiry checks.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) { m.now = now }
}

// NewMemory returns an initialised [Memory] store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Get implements [Store.Get].
func (m *Memory) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// Set implements [Store.Set].
func (m *Memory) Set(_ context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memEntry{value: value, expiresAt: m.deadline(ttl)}
	return nil
}

// Add implements [Store.Add].
func (m *Memory) Add(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.live(key); exists {
		return false, nil
	}
	m.entries[key] = memEntry{value: value, expiresAt: m.deadline(ttl)}
	return true, nil
}

// GetDel implements [Store.GetDel].
func (m *Memory) GetDel(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return "", false, nil
	}
	delete(m.entries, key)
	return e.value, true, nil
}

// Delete implements [Store.Delete].
func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)
	return nil
}

// live returns the entry for key if present and unexpired, removing it
// otherwise. Must be called with m.mu held.
func (m *Memory) live(key string) (memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return e, true
}

// deadline converts a ttl to an absolute expiry. Must be called with m.mu held.
func (m *Memory) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}
