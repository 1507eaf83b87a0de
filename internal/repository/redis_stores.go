package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/FilipeAphrody/aegis/internal/domain"
)

// RedisRevocationStore implements domain.RevocationStore. Each revoked
// token id becomes a key whose TTL equals the token's remaining lifetime,
// so entries self-expire and the blacklist stays bounded.
type RedisRevocationStore struct {
	client *redis.Client
}

// NewRedisRevocationStore creates a new store instance.
func NewRedisRevocationStore(client *redis.Client) *RedisRevocationStore {
	return &RedisRevocationStore{client: client}
}

func revocationKey(tokenID string) string {
	return fmt.Sprintf("auth:revoked:%s", tokenID)
}

func (r *RedisRevocationStore) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := r.client.Set(ctx, revocationKey(tokenID), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to store revocation in redis: %w", err)
	}
	return nil
}

// IsRevoked treats an absent key as "not revoked", never as unknown.
func (r *RedisRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, revocationKey(tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis error: %w", err)
	}
	return n > 0, nil
}

// RedisSessionStore implements domain.SessionStore. Each session is a JSON
// value whose key TTL tracks min(idle deadline, absolute deadline); Redis
// expiry is the idle timeout, Touch re-arms it capped by the absolute
// deadline stored in the record.
type RedisSessionStore struct {
	client   *redis.Client
	idle     time.Duration
	absolute time.Duration
	now      func() time.Time
}

// NewRedisSessionStore creates a new store instance.
func NewRedisSessionStore(client *redis.Client, idle, absolute time.Duration) *RedisSessionStore {
	return &RedisSessionStore{client: client, idle: idle, absolute: absolute, now: time.Now}
}

func sessionKey(sessionID string) string {
	return fmt.Sprintf("auth:session:%s", sessionID)
}

func (r *RedisSessionStore) ttlFor(sess *domain.Session, now time.Time) time.Duration {
	return sess.ExpiresAt().Sub(now)
}

func (r *RedisSessionStore) Create(ctx context.Context, accountID string, permissions []string) (*domain.Session, error) {
	now := r.now().UTC()
	perms := make([]string, len(permissions))
	copy(perms, permissions)
	sess := &domain.Session{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		Permissions:      perms,
		CreatedAt:        now,
		LastActivityAt:   now,
		IdleDeadline:     now.Add(r.idle),
		AbsoluteDeadline: now.Add(r.absolute),
	}
	payload, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	if err := r.client.Set(ctx, sessionKey(sess.ID), payload, r.ttlFor(sess, now)).Err(); err != nil {
		return nil, fmt.Errorf("failed to store session in redis: %w", err)
	}
	return sess, nil
}

func (r *RedisSessionStore) Get(ctx context.Context, sessionID string) (*domain.Session, error) {
	raw, err := r.client.Get(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrSessionNotFound
		}
		return nil, fmt.Errorf("redis error: %w", err)
	}
	var sess domain.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("corrupt session record: %w", err)
	}
	if r.now().After(sess.ExpiresAt()) {
		_ = r.client.Del(ctx, sessionKey(sessionID)).Err()
		return nil, domain.ErrSessionExpired
	}
	return &sess, nil
}

// Touch slides the idle deadline, capped by the absolute deadline, and
// re-arms the key TTL to match.
func (r *RedisSessionStore) Touch(ctx context.Context, sessionID string) error {
	sess, err := r.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	now := r.now().UTC()
	if now.After(sess.LastActivityAt) {
		sess.LastActivityAt = now
	}
	idle := now.Add(r.idle)
	if idle.After(sess.AbsoluteDeadline) {
		idle = sess.AbsoluteDeadline
	}
	sess.IdleDeadline = idle

	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	if err := r.client.Set(ctx, sessionKey(sessionID), payload, r.ttlFor(sess, now)).Err(); err != nil {
		return fmt.Errorf("failed to refresh session in redis: %w", err)
	}
	return nil
}

// Invalidate removes the session immediately. Used for logout; deleting an
// absent key is not an error.
func (r *RedisSessionStore) Invalidate(ctx context.Context, sessionID string) error {
	return r.client.Del(ctx, sessionKey(sessionID)).Err()
}
