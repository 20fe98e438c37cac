package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// KeyValue is the capability interface the guard, rate limiter and salt vault
// depend on: a keyed store with per-entry TTL. Implementations are safe for
// concurrent use. A zero TTL stores the entry without expiry.
type KeyValue interface {
	Get(key string) ([]byte, bool, error)
	Put(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Close() error
}

// Pruner is implemented by persistent backends that maintain an expiry index
// and support batched removal of dead entries.
type Pruner interface {
	PruneExpired(ctx context.Context, now time.Time, limit int) (int, error)
}

// Open selects a backend by name. Supported backends: "memory", "leveldb",
// "bolt".
func Open(backend, path string) (KeyValue, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "", "memory":
		return NewMemory(), nil
	case "leveldb":
		return NewLevelDB(path)
	case "bolt":
		return NewBolt(path)
	default:
		return nil, fmt.Errorf("storage: unknown backend %q", backend)
	}
}

// Memory is a mutex-guarded in-process store used in tests and single-node
// development runs.
type Memory struct {
	mu   sync.RWMutex
	data map[string]memoryEntry
	now  func() time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

// SetNowFunc overrides the clock. Primarily used in tests.
func (m *Memory) SetNowFunc(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) Get(key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	if !entry.expiresAt.IsZero() && !m.now().Before(entry.expiresAt) {
		delete(m.data, key)
		return nil, false, nil
	}
	value := append([]byte(nil), entry.value...)
	return value, true, nil
}

func (m *Memory) Put(key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = m.now().Add(ttl)
	}
	m.data[key] = entry
	return nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

// PruneExpired drops dead entries. The limit bounds work per sweep; zero
// means unbounded.
func (m *Memory) PruneExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for key, entry := range m.data {
		if entry.expiresAt.IsZero() || now.Before(entry.expiresAt) {
			continue
		}
		delete(m.data, key)
		pruned++
		if limit > 0 && pruned >= limit {
			break
		}
	}
	return pruned, nil
}

func (m *Memory) Close() error {
	return nil
}
