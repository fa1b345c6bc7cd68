package journal

import (
	"context"
	"sync"
)

// Memory keeps the newest entries in a capped in-memory slice. It is the
// default backend.
type Memory struct {
	mu       sync.RWMutex
	entries  []Entry
	capacity int
}

func NewMemory(capacity int) *Memory {
	return &Memory{capacity: capacity}
}

func (m *Memory) Record(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if len(m.entries) > m.capacity {
		m.entries = m.entries[len(m.entries)-m.capacity:]
	}
	return nil
}

func (m *Memory) Recent(ctx context.Context, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.entries) {
		limit = len(m.entries)
	}
	// Newest first.
	out := make([]Entry, 0, limit)
	for i := len(m.entries) - 1; i >= len(m.entries)-limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
