package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/FilipeAphrody/aegis/internal/domain"
	"github.com/FilipeAphrody/aegis/internal/ids"
)

// Token kinds carried in the claims so a refresh token can never pass as an
// access token.
const (
	KindAccess  = "access"
	KindRefresh = "refresh"
)

const issuerName = "aegis"

// Claims is the signed payload of every token. Permissions are the snapshot
// taken at issuance; a later role change never alters an issued token.
type Claims struct {
	AccountID   string   `json:"account_id"`
	SessionID   string   `json:"session_id,omitempty"`
	Permissions []string `json:"permissions"`
	Kind        string   `json:"kind"`
	jwt.RegisteredClaims
}

// Issuer mints and verifies signed tokens. Payloads are signed with an
// HMAC key; when an encryption key is configured the signed token is
// additionally wrapped in AES-GCM (sign-then-encrypt) as defense in depth
// against partial key compromise.
type Issuer struct {
	signingKey  []byte
	envelope    *Envelope // nil when encryption is disabled
	accessTTL   time.Duration
	refreshTTL  time.Duration
	revocations domain.RevocationStore
	now         func() time.Time
}

// NewIssuer builds an issuer. encryptionKeyHex may be empty; when set it
// must decode to 32 bytes.
func NewIssuer(signingKey, encryptionKeyHex string, accessTTL, refreshTTL time.Duration, revocations domain.RevocationStore) (*Issuer, error) {
	if signingKey == "" {
		return nil, errors.New("token: signing key is required")
	}
	i := &Issuer{
		signingKey:  []byte(signingKey),
		accessTTL:   accessTTL,
		refreshTTL:  refreshTTL,
		revocations: revocations,
		now:         time.Now,
	}
	if encryptionKeyHex != "" {
		env, err := NewEnvelope(encryptionKeyHex)
		if err != nil {
			return nil, err
		}
		i.envelope = env
	}
	return i, nil
}

// SetClock overrides the time source. Test hook.
func (i *Issuer) SetClock(now func() time.Time) { i.now = now }

// AccessTTL exposes the configured access-token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

// IssueAccess mints an access token bound to the session and carrying the
// permission snapshot.
func (i *Issuer) IssueAccess(accountID, sessionID string, permissions []string) (string, *domain.Token, error) {
	return i.issue(KindAccess, i.accessTTL, accountID, sessionID, permissions)
}

// IssueRefresh mints a refresh token with the same snapshot and a much
// longer lifetime.
func (i *Issuer) IssueRefresh(accountID, sessionID string, permissions []string) (string, *domain.Token, error) {
	return i.issue(KindRefresh, i.refreshTTL, accountID, sessionID, permissions)
}

func (i *Issuer) issue(kind string, ttl time.Duration, accountID, sessionID string, permissions []string) (string, *domain.Token, error) {
	now := i.now().UTC()
	snapshot := make([]string, len(permissions))
	copy(snapshot, permissions)

	claims := Claims{
		AccountID:   accountID,
		SessionID:   sessionID,
		Permissions: snapshot,
		Kind:        kind,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        ids.New(),
			Issuer:    issuerName,
			Subject:   accountID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.signingKey)
	if err != nil {
		return "", nil, fmt.Errorf("sign token: %w", err)
	}
	if i.envelope != nil {
		signed, err = i.envelope.Seal(signed)
		if err != nil {
			return "", nil, fmt.Errorf("seal token: %w", err)
		}
	}

	return signed, &domain.Token{
		ID:          claims.ID,
		AccountID:   accountID,
		Permissions: snapshot,
		IssuedAt:    now,
		ExpiresAt:   now.Add(ttl),
	}, nil
}

// Verify checks the envelope (if configured), the MAC, the registered
// claims, and the revocation list. Every verification path goes through
// here, so a revoked id fails immediately after revocation.
func (i *Issuer) Verify(ctx context.Context, raw string) (*Claims, error) {
	if raw == "" {
		return nil, domain.ErrTokenMalformed
	}
	if i.envelope != nil {
		opened, err := i.envelope.Open(raw)
		if err != nil {
			return nil, domain.ErrTokenMalformed
		}
		raw = opened
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithIssuer(issuerName),
	)
	parsed, err := parser.ParseWithClaims(raw, &Claims{}, func(*jwt.Token) (any, error) {
		return i.signingKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, domain.ErrTokenExpired
		}
		return nil, domain.ErrTokenMalformed
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || claims.ID == "" {
		return nil, domain.ErrTokenMalformed
	}

	revoked, err := i.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("revocation check: %w", err)
	}
	if revoked {
		return nil, domain.ErrTokenRevoked
	}
	return claims, nil
}

// VerifyKind verifies the token and additionally pins its kind.
func (i *Issuer) VerifyKind(ctx context.Context, raw, kind string) (*Claims, error) {
	claims, err := i.Verify(ctx, raw)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind {
		return nil, domain.ErrTokenMalformed
	}
	return claims, nil
}

// Revoke blacklists the claims' id for exactly its remaining lifetime, so
// the revocation entry expires together with the token.
func (i *Issuer) Revoke(ctx context.Context, claims *Claims) error {
	remaining := claims.ExpiresAt.Time.Sub(i.now())
	if remaining <= 0 {
		return nil
	}
	return i.revocations.Revoke(ctx, claims.ID, remaining)
}

// RevokeID blacklists a bare token id. The remaining lifetime is unknown,
// so the entry lives for the longest TTL any token can carry.
func (i *Issuer) RevokeID(ctx context.Context, tokenID string) error {
	ttl := i.refreshTTL
	if i.accessTTL > ttl {
		ttl = i.accessTTL
	}
	return i.revocations.Revoke(ctx, tokenID, ttl)
}
