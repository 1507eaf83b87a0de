package token

import (
	"context"
	"sync"
	"time"
)

// MemoryRevocationStore is an in-process revocation list. Entries carry the
// revoked token's remaining lifetime and are purged lazily, so the set stays
// bounded by the number of live revoked tokens. Redis is the multi-node
// implementation.
type MemoryRevocationStore struct {
	mu      sync.RWMutex
	entries map[string]time.Time // tokenID -> expiry of the entry
	now     func() time.Time
}

func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{
		entries: make(map[string]time.Time),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Test hook.
func (s *MemoryRevocationStore) SetClock(now func() time.Time) { s.now = now }

func (s *MemoryRevocationStore) Revoke(_ context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[tokenID] = s.now().Add(ttl)
	return nil
}

func (s *MemoryRevocationStore) IsRevoked(_ context.Context, tokenID string) (bool, error) {
	s.mu.RLock()
	expiry, ok := s.entries[tokenID]
	s.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if s.now().After(expiry) {
		s.mu.Lock()
		// re-check under the write lock before deleting
		if exp, ok := s.entries[tokenID]; ok && s.now().After(exp) {
			delete(s.entries, tokenID)
		}
		s.mu.Unlock()
		return false, nil
	}
	return true, nil
}
