package dedup

import (
	"context"
	"sync"
	"time"

	"saferelay/internal/types"
)

// MemStore is an in-process Store for tests and broker-less local runs.
// Expired entries are reclaimed lazily on access.
type MemStore struct {
	mu      sync.Mutex
	entries map[string]time.Time // key -> expiry
	clock   types.Clock
}

var _ Store = (*MemStore)(nil)

func NewMemStore(clock types.Clock) *MemStore {
	if clock == nil {
		clock = types.SystemClock{}
	}
	return &MemStore{entries: make(map[string]time.Time), clock: clock}
}

func (s *MemStore) AddIfAbsent(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if expiry, ok := s.entries[key]; ok && now.Before(expiry) {
		return false, nil
	}
	s.entries[key] = now.Add(ttl)
	return true, nil
}

func (s *MemStore) Len(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for key, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, key)
		}
	}
	return int64(len(s.entries)), nil
}

func (s *MemStore) Close() error {
	return nil
}
