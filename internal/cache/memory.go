// ABOUTME: In-process LRU backend with per-key TTL for the cache layer.
// ABOUTME: Size-bounded, least-recently-used eviction and a background expiry sweep.

package cache

import (
	"container/list"
	"context"
	"strings"
	"sync"
	"time"
)

// DefaultMaxEntries bounds a MemoryBackend created with a non-positive size.
const DefaultMaxEntries = 10000

// memoryEntry stores the value, its deadline and its position in the LRU list.
type memoryEntry struct {
	value   []byte
	expires time.Time
	element *list.Element
}

// MemoryBackend is a thread-safe, TTL-based, size-limited Backend. The most
// recently read or written key lives at the back of the list; eviction takes
// the front.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	order   *list.List
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewMemoryBackend creates a MemoryBackend holding at most maxSize keys.
// A background goroutine removes expired entries every sweepInterval; pass 0
// to use one minute.
func NewMemoryBackend(maxSize int, sweepInterval time.Duration) *MemoryBackend {
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}
	m := &MemoryBackend{
		entries: make(map[string]*memoryEntry),
		order:   list.New(),
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.sweepLoop(sweepInterval)
	return m
}

// Get returns the value for key, or ErrMiss if it is absent or expired.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	entry, ok := m.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	if !m.now().Before(entry.expires) {
		m.removeLocked(key, entry)
		return nil, ErrMiss
	}
	m.order.MoveToBack(entry.element)
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, nil
}

// Set stores value under key for ttl, evicting the oldest key when full.
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.setLocked(key, value, ttl)
	return nil
}

// SetNX stores value only when key is absent or expired.
func (m *MemoryBackend) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}
	if entry, ok := m.entries[key]; ok && m.now().Before(entry.expires) {
		return false, nil
	}
	m.setLocked(key, value, ttl)
	return true, nil
}

// setLocked writes an entry. Must be called with mu held.
func (m *MemoryBackend) setLocked(key string, value []byte, ttl time.Duration) {
	stored := make([]byte, len(value))
	copy(stored, value)
	expires := m.now().Add(ttl)

	if entry, exists := m.entries[key]; exists {
		entry.value = stored
		entry.expires = expires
		m.order.MoveToBack(entry.element)
		return
	}

	if len(m.entries) >= m.maxSize {
		m.evictOldest()
	}

	elem := m.order.PushBack(key)
	m.entries[key] = &memoryEntry{value: stored, expires: expires, element: elem}
}

// Delete removes the given keys. Missing keys are ignored.
func (m *MemoryBackend) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for _, key := range keys {
		if entry, ok := m.entries[key]; ok {
			m.removeLocked(key, entry)
		}
	}
	return nil
}

// DeletePrefix removes every key that starts with prefix.
func (m *MemoryBackend) DeletePrefix(_ context.Context, prefix string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, ErrClosed
	}
	removed := 0
	for key, entry := range m.entries {
		if strings.HasPrefix(key, prefix) {
			m.removeLocked(key, entry)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of stored entries, expired or not.
func (m *MemoryBackend) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// removeLocked drops one entry. Must be called with mu held.
func (m *MemoryBackend) removeLocked(key string, entry *memoryEntry) {
	m.order.Remove(entry.element)
	delete(m.entries, key)
}

// evictOldest removes the least recently written entry. Must be called with mu held.
func (m *MemoryBackend) evictOldest() {
	front := m.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	m.order.Remove(front)
	delete(m.entries, key)
}

func (m *MemoryBackend) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

// sweep removes all expired entries.
func (m *MemoryBackend) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, entry := range m.entries {
		if !now.Before(entry.expires) {
			m.removeLocked(key, entry)
		}
	}
}

// Close stops the sweep goroutine. Safe to call multiple times.
func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.closed {
		close(m.done)
		m.closed = true
	}
	return nil
}
