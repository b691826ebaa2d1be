package storage

import (
	"context"
	"sync"
	"time"
)

// Location is a recorded position
type Location struct {
	X          float32   `json:"x"`
	Y          float32   `json:"y"`
	Z          float32   `json:"z"`
	RecordedAt time.Time `json:"recorded_at"`
}

// MemoryStore keeps the last location of every player in memory
type MemoryStore struct {
	mu        sync.RWMutex
	locations map[string]Location
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		locations: make(map[string]Location),
	}
}

// RecordLocation stores the position of player id, replacing any previous one
func (m *MemoryStore) RecordLocation(ctx context.Context, id string, x, y, z float32) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	m.locations[id] = Location{X: x, Y: y, Z: z, RecordedAt: time.Now()}
	m.mu.Unlock()

	return nil
}

// Get returns the last location recorded for id
func (m *MemoryStore) Get(id string) (Location, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	loc, ok := m.locations[id]
	return loc, ok
}

// Len returns the number of players with a recorded location
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.locations)
}

// Close is a no-op
func (m *MemoryStore) Close() error {
	return nil
}
