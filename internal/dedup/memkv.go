package dedup

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrKeyNotFound is returned by Get when the key is absent or expired.
var ErrKeyNotFound = errors.New("key not found")

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryKV is an in-memory KV implementation with lazy TTL expiry.
// It backs tests and single-process development runs.
type MemoryKV struct {
	mu      sync.Mutex
	entries map[string]memEntry

	// now is injectable so tests can control marker expiry.
	now func() time.Time
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		entries: make(map[string]memEntry),
		now:     time.Now,
	}
}

// Exists implements KV.
func (m *MemoryKV) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.live(key)
	return ok, nil
}

// Get implements KV.
func (m *MemoryKV) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.live(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return entry.value, nil
}

// SetWithTTL implements KV. A non-positive TTL stores the value
// without expiry.
func (m *MemoryKV) SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = entry
	return nil
}

// Delete implements KV.
func (m *MemoryKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

// live returns the entry if present and unexpired, expiring lazily.
// Callers must hold the mutex.
func (m *MemoryKV) live(key string) (memEntry, bool) {
	entry, ok := m.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !entry.expiresAt.IsZero() && m.now().After(entry.expiresAt) {
		delete(m.entries, key)
		return memEntry{}, false
	}
	return entry, true
}

// Interface guard.
var _ KV = (*MemoryKV)(nil)
