package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/FilipeAphrody/aegis/internal/domain"
)

// MemoryStore keeps session records in process memory, one entry per
// session id with its own mutex so unrelated sessions never contend.
// RedisSessionStore in the repository package is the multi-node variant.
type MemoryStore struct {
	idle     time.Duration
	absolute time.Duration
	sessions sync.Map // sessionID -> *entry
	now      func() time.Time
}

type entry struct {
	mu   sync.Mutex
	sess domain.Session
}

// NewMemoryStore builds a store with the given idle and absolute timeouts.
func NewMemoryStore(idle, absolute time.Duration) *MemoryStore {
	return &MemoryStore{idle: idle, absolute: absolute, now: time.Now}
}

// SetClock overrides the time source. Test hook.
func (s *MemoryStore) SetClock(now func() time.Time) { s.now = now }

// Create registers a new session with both deadlines set from now.
func (s *MemoryStore) Create(_ context.Context, accountID string, permissions []string) (*domain.Session, error) {
	now := s.now().UTC()
	perms := make([]string, len(permissions))
	copy(perms, permissions)
	sess := domain.Session{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		Permissions:      perms,
		CreatedAt:        now,
		LastActivityAt:   now,
		IdleDeadline:     now.Add(s.idle),
		AbsoluteDeadline: now.Add(s.absolute),
	}
	s.sessions.Store(sess.ID, &entry{sess: sess})
	out := sess
	return &out, nil
}

// Get returns the session if it is still live. An expired session is
// removed and reported as expired; expiry is min(idle, absolute).
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*domain.Session, error) {
	v, ok := s.sessions.Load(sessionID)
	if !ok {
		return nil, domain.ErrSessionNotFound
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()
	if s.now().After(e.sess.ExpiresAt()) {
		s.sessions.Delete(sessionID)
		return nil, domain.ErrSessionExpired
	}
	out := e.sess
	return &out, nil
}

// Touch slides the idle deadline forward from now, capped by the absolute
// deadline. Last-activity is monotonically non-decreasing.
func (s *MemoryStore) Touch(_ context.Context, sessionID string) error {
	v, ok := s.sessions.Load(sessionID)
	if !ok {
		return domain.ErrSessionNotFound
	}
	e := v.(*entry)
	e.mu.Lock()
	defer e.mu.Unlock()

	now := s.now().UTC()
	if now.After(e.sess.ExpiresAt()) {
		s.sessions.Delete(sessionID)
		return domain.ErrSessionExpired
	}
	if now.After(e.sess.LastActivityAt) {
		e.sess.LastActivityAt = now
	}
	idle := now.Add(s.idle)
	if idle.After(e.sess.AbsoluteDeadline) {
		idle = e.sess.AbsoluteDeadline
	}
	e.sess.IdleDeadline = idle
	return nil
}

// Invalidate destroys the session. Invalidating an unknown session is not
// an error; logout must be idempotent.
func (s *MemoryStore) Invalidate(_ context.Context, sessionID string) error {
	s.sessions.Delete(sessionID)
	return nil
}

// Sweep drops expired sessions so the table stays bounded.
func (s *MemoryStore) Sweep() {
	now := s.now()
	s.sessions.Range(func(key, value any) bool {
		e := value.(*entry)
		e.mu.Lock()
		expired := now.After(e.sess.ExpiresAt())
		e.mu.Unlock()
		if expired {
			s.sessions.Delete(key)
		}
		return true
	})
}
