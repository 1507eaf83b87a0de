package mfa

import (
	"context"
	"sync"
)

// MemoryBackupStore keeps backup-code digests in process memory. Suitable
// for single-node deployments and tests; the Postgres store is the
// production implementation.
type MemoryBackupStore struct {
	mu    sync.Mutex
	codes map[string]map[string]struct{} // accountID -> set of digests
}

func NewMemoryBackupStore() *MemoryBackupStore {
	return &MemoryBackupStore{codes: make(map[string]map[string]struct{})}
}

// Replace swaps the account's full code set, discarding unused codes.
func (s *MemoryBackupStore) Replace(_ context.Context, accountID string, hashes []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		set[h] = struct{}{}
	}
	s.codes[accountID] = set
	return nil
}

// Consume removes the digest if present. The delete-under-lock makes a code
// redeemable exactly once.
func (s *MemoryBackupStore) Consume(_ context.Context, accountID, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.codes[accountID]
	if !ok {
		return false, nil
	}
	if _, ok := set[hash]; !ok {
		return false, nil
	}
	delete(set, hash)
	return true, nil
}
