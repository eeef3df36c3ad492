package storage

import (
	"context"
	"sync"
	"time"
)

type memoryKey struct {
	done    bool
	expires time.Time
}

// MemoryIdempotency keeps idempotency keys in process memory. Used when no
// Redis is configured.
type MemoryIdempotency struct {
	mu   sync.Mutex
	keys map[string]memoryKey
	ttl  time.Duration
	now  func() time.Time
}

func NewMemoryIdempotency(ttl time.Duration) *MemoryIdempotency {
	if ttl <= 0 {
		ttl = idempotencyKeyTTL
	}
	return &MemoryIdempotency{
		keys: make(map[string]memoryKey),
		ttl:  ttl,
		now:  time.Now,
	}
}

func (m *MemoryIdempotency) SetIdempotency(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if k, ok := m.keys[key]; ok && now.Before(k.expires) {
		return false, nil
	}
	m.keys[key] = memoryKey{expires: now.Add(m.ttl)}
	return true, nil
}

func (m *MemoryIdempotency) CompleteIdempotency(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if k, ok := m.keys[key]; ok {
		k.done = true
		m.keys[key] = k
	}
	return nil
}

func (m *MemoryIdempotency) ReleaseIdempotency(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if k, ok := m.keys[key]; ok && !k.done {
		delete(m.keys, key)
	}
	return nil
}
