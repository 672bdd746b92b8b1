package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Increment is one counter bump in a batch.
type Increment struct {
	Key    string
	Amount int64
	TTL    time.Duration
}

// CounterStore is the key/value contract the limiter keeps its windows in.
// A missing key reads as absent, not as an error.
type CounterStore interface {
	Get(ctx context.Context, key string) (int64, bool, error)
	Set(ctx context.Context, key string, value int64, ttl time.Duration) error
	Increment(ctx context.Context, key string, amount int64, ttl time.Duration) (int64, error)

	// IncrementMany applies every increment or none of them.
	IncrementMany(ctx context.Context, incs []Increment) error
}

type memoryEntry struct {
	value     int64
	expiresAt time.Time
}

// MemoryStore is an in-process CounterStore. It is also the limiter's local
// fallback when the shared store is unreachable.
type MemoryStore struct {
	mu        sync.Mutex
	entries   map[string]memoryEntry
	now       func() time.Time
	lastSweep time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.live(key)
	if !ok {
		return 0, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[key] = memoryEntry{value: value, expiresAt: m.expiry(ttl)}
	return nil
}

func (m *MemoryStore) Increment(_ context.Context, key string, amount int64, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.incr(key, amount, ttl), nil
}

func (m *MemoryStore) IncrementMany(_ context.Context, incs []Increment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, inc := range incs {
		m.incr(inc.Key, inc.Amount, inc.TTL)
	}
	return nil
}

// Len returns the number of live entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(m.now())
	return len(m.entries)
}

func (m *MemoryStore) incr(key string, amount int64, ttl time.Duration) int64 {
	now := m.now()
	if now.Sub(m.lastSweep) > time.Minute {
		m.sweep(now)
	}

	e, ok := m.live(key)
	if !ok {
		// TTL starts with the first write of a window, like EXPIRE NX.
		e = memoryEntry{expiresAt: m.expiry(ttl)}
	}
	e.value += amount
	m.entries[key] = e
	return e.value
}

func (m *MemoryStore) live(key string) (memoryEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (m *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

func (m *MemoryStore) sweep(now time.Time) {
	for k, e := range m.entries {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(m.entries, k)
		}
	}
	m.lastSweep = now
}
