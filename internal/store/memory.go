package store

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	count     int64
	value     []byte
	times     []time.Time
	list      [][]byte
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process KV implementation. It backs single-node
// deployments and tests; multi-node deployments use the Redis store.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[string]*memEntry),
		now:     time.Now,
	}
}

// SetClock overrides the store's time source. Test use only.
func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// entry returns the live entry for key, dropping it first if expired.
func (m *Memory) entry(key string) (*memEntry, bool) {
	e, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return nil, false
	}
	return e, true
}

func (m *Memory) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entry(key)
	if !ok {
		e = &memEntry{}
		if ttl > 0 {
			e.expiresAt = m.now().Add(ttl)
		}
		m.entries[key] = e
	}
	e.count++
	return e.count, nil
}

func (m *Memory) GetCount(ctx context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entry(key)
	if !ok {
		return 0, nil
	}
	return e.count, nil
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entry(key)
	if !ok || e.value == nil {
		return nil, false, nil
	}
	v := make([]byte, len(e.value))
	copy(v, e.value)
	return v, true, nil
}

func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := &memEntry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	m.entries[key] = e
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *Memory) RecordTimestamp(ctx context.Context, key string, window, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	e, ok := m.entry(key)
	if !ok {
		e = &memEntry{}
		m.entries[key] = e
	}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	cutoff := now.Add(-window)
	kept := e.times[:0]
	for _, t := range e.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.times = append(kept, now)
	return len(e.times), nil
}

func (m *Memory) PushCapped(ctx context.Context, key string, value []byte, max int, ttl time.Duration) ([][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entry(key)
	if !ok {
		e = &memEntry{}
		m.entries[key] = e
	}
	if ttl > 0 {
		e.expiresAt = m.now().Add(ttl)
	}
	v := make([]byte, len(value))
	copy(v, value)
	e.list = append([][]byte{v}, e.list...)
	if len(e.list) > max {
		e.list = e.list[:max]
	}
	out := make([][]byte, len(e.list))
	for i, b := range e.list {
		out[i] = make([]byte, len(b))
		copy(out[i], b)
	}
	return out, nil
}
