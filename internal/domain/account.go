package domain

import (
	"context"
	"time"
)

// Account is the identity record the engine authenticates against. The
// backing store (Postgres in production) owns provisioning and soft-delete;
// the engine only reads accounts and mutates the MFA enrollment fields.
type Account struct {
	ID           string    `json:"id"`
	Identifier   string    `json:"identifier"` // login identifier, usually an email
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	MFAEnabled   bool      `json:"mfa_enabled"`
	MFASecret    string    `json:"-"` // TOTP secret, set at enrollment
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Token is the introspectable view of an issued token. Permissions are
// snapshotted at issuance and never change afterwards.
type Token struct {
	ID          string    `json:"token_id"`
	AccountID   string    `json:"account_id"`
	Permissions []string  `json:"permissions"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Session is the server-side record of an authenticated session. It expires
// at min(idle deadline, absolute deadline); Touch slides the idle deadline
// but never past the absolute one.
type Session struct {
	ID               string    `json:"id"`
	AccountID        string    `json:"account_id"`
	Permissions      []string  `json:"permissions"`
	CreatedAt        time.Time `json:"created_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`
	IdleDeadline     time.Time `json:"idle_deadline"`
	AbsoluteDeadline time.Time `json:"absolute_deadline"`
}

// ExpiresAt returns the effective expiry of the session.
func (s *Session) ExpiresAt() time.Time {
	if s.IdleDeadline.Before(s.AbsoluteDeadline) {
		return s.IdleDeadline
	}
	return s.AbsoluteDeadline
}

// AccountRepository is the external account-lookup collaborator.
type AccountRepository interface {
	GetByIdentifier(ctx context.Context, identifier string) (*Account, error)
	GetByID(ctx context.Context, id string) (*Account, error)
	Create(ctx context.Context, account *Account) error
	Update(ctx context.Context, account *Account) error
}

// RoleCatalog loads the static role -> permission mapping at startup.
type RoleCatalog interface {
	LoadRoles(ctx context.Context) (map[string][]string, error)
}

// BackupCodeStore persists hashed single-use MFA backup codes. Consume must
// be atomic: for a given hash it may succeed exactly once.
type BackupCodeStore interface {
	Replace(ctx context.Context, accountID string, hashes []string) error
	Consume(ctx context.Context, accountID, hash string) (bool, error)
}

// RevocationStore is the TTL-bounded blacklist of revoked token ids.
// Absence of an id means "not revoked".
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// SessionStore manages session records.
type SessionStore interface {
	Create(ctx context.Context, accountID string, permissions []string) (*Session, error)
	Get(ctx context.Context, sessionID string) (*Session, error)
	Touch(ctx context.Context, sessionID string) error
	Invalidate(ctx context.Context, sessionID string) error
}
