package audit

import (
	"context"
	"sync"
)

// MemorySink buffers formatted events in memory. Used in tests and as a
// last-resort device when no durable sink is configured.
type MemorySink struct {
	mu      sync.Mutex
	name    string
	entries [][]byte
}

// NewMemorySink creates a new memory sink
func NewMemorySink(name string) *MemorySink {
	return &MemorySink{name: name}
}

// Write appends the entry to the in-memory buffer
func (s *MemorySink) Write(ctx context.Context, entry []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	buf := make([]byte, len(entry))
	copy(buf, entry)
	s.entries = append(s.entries, buf)
	return nil
}

// Entries returns a copy of the buffered entries
func (s *MemorySink) Entries() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([][]byte, len(s.entries))
	copy(out, s.entries)
	return out
}

// Len returns the number of buffered entries
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Close clears the buffer
func (s *MemorySink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = nil
	return nil
}

// Name returns the sink name
func (s *MemorySink) Name() string {
	return s.name
}

// Type returns the sink type
func (s *MemorySink) Type() string {
	return "memory"
}
