package ratelimit

import (
	"context"
	"sync"
	"time"
)

// CounterStore keeps windowed request counters. Incr must be atomic: the
// first increment of an idle key opens a new fixed window, and every
// increment reports the count observed after it together with the time
// left before the window closes.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, remaining time.Duration, err error)
	Close() error
}

type memoryEntry struct {
	count    int64
	deadline time.Time
}

// memoryCounter is a process-local CounterStore for single-node
// deployments and tests
type memoryCounter struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
}

// NewMemoryCounter creates an in-memory counter store
func NewMemoryCounter() CounterStore {
	return &memoryCounter{
		entries: make(map[string]*memoryEntry),
	}
}

func (m *memoryCounter) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	entry, ok := m.entries[key]
	if !ok || now.After(entry.deadline) {
		entry = &memoryEntry{deadline: now.Add(window)}
		m.entries[key] = entry
	}
	entry.count++
	return entry.count, entry.deadline.Sub(now), nil
}

func (m *memoryCounter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memoryEntry)
	return nil
}
