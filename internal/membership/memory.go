package membership

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/stateofplay-edge/internal/edge"
)

type memoryItem struct {
	value   []byte
	expires time.Time
}

// MemoryBackend is a process-local Backend used when Redis is not configured.
type MemoryBackend struct {
	mu    sync.Mutex
	items map[string]memoryItem
	clock edge.Clock
}

// NewMemoryBackend constructs a MemoryBackend.
func NewMemoryBackend(clock edge.Clock) *MemoryBackend {
	return &MemoryBackend{items: make(map[string]memoryItem), clock: clock}
}

// Get returns the value for key unless it has expired.
func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	item, ok := m.items[key]
	if !ok {
		return nil, false, nil
	}
	if !m.clock.Now().Before(item.expires) {
		delete(m.items, key)
		return nil, false, nil
	}
	return append([]byte(nil), item.value...), true, nil
}

// Set stores value with a TTL.
func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = memoryItem{value: append([]byte(nil), value...), expires: m.clock.Now().Add(ttl)}
	return nil
}

// Delete removes key.
func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}
