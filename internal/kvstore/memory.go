package kvstore

import (
	"context"
	"strings"
	"sync"
	"time"
)

// memItem stores a value together with its optional expiry time.
type memItem struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is an in-process Store with per-key TTL.
//
// It is safe for concurrent use. Expired keys are removed lazily on access;
// there is no background sweep because the store is bounded by the gateway's
// own limits (queue size, quota windows, cache janitor).
//
// Use this backend when Redis is not available — local development,
// single-instance deployments, or tests. It survives for the process
// lifetime only, so quota enforcement across restarts requires Redis.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]memItem
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]memItem)}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	item, ok := s.items[key]
	s.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}

	if !item.expiresAt.IsZero() && time.Now().After(item.expiresAt) {
		s.mu.Lock()
		delete(s.items, key)
		s.mu.Unlock()
		return nil, false, nil
	}

	// Copy so callers cannot mutate the stored slice.
	out := make([]byte, len(item.data))
	copy(out, item.data)
	return out, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	item := memItem{data: make([]byte, len(value))}
	copy(item.data, value)
	if ttl > 0 {
		item.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.items[key] = item
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.items, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Keys(_ context.Context, prefix string) ([]string, error) {
	now := time.Now()

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []string
	for k, v := range s.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if !v.expiresAt.IsZero() && now.After(v.expiresAt) {
			continue
		}
		out = append(out, k)
	}
	return out, nil
}

func (s *MemoryStore) Ping(_ context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of keys currently held (including not-yet-evicted
// expired keys).
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
