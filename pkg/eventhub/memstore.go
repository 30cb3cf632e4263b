package eventhub

import (
	"context"
	"sync"
)

// MemoryEventStore is an append-only, in-process EventStore. It is the
// default when no durable event backend is configured; events still
// survive process lifetime long enough for SSE reconnects within the same
// run, but not a restart.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events []Event
}

// NewMemoryEventStore builds an empty MemoryEventStore.
func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{}
}

func (m *MemoryEventStore) Append(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *MemoryEventStore) Query(_ context.Context, f Filter, limit int) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Event
	for _, e := range m.events {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
