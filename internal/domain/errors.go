package domain

import (
	"errors"
	"fmt"
	"time"
)

// Error taxonomy. User-facing failures are deliberately under-specific:
// unknown identifier and wrong secret both surface as ErrInvalidCredentials
// so callers cannot enumerate accounts. The only error that discloses timing
// is the locked case, and only once a lock is genuinely engaged.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountLocked      = errors.New("account temporarily locked")
	ErrMFARequired        = errors.New("mfa verification required")
	ErrInvalidMFACode     = errors.New("invalid mfa code")
	ErrTokenExpired       = errors.New("token expired")
	ErrTokenRevoked       = errors.New("token revoked")
	ErrTokenMalformed     = errors.New("token malformed")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")

	// ErrUnknownRole is a configuration error: every account role must be
	// present in the registry at startup. It is never hidden from logs.
	ErrUnknownRole = errors.New("unknown role")

	// ErrSignalDegraded is internal only. It marks a risk-signal source that
	// did not answer within its timeout; the caller applies the fail-safe
	// contribution and logs it, but never surfaces it to the client.
	ErrSignalDegraded = errors.New("risk signal source degraded")

	ErrAccountNotFound = errors.New("account not found")
)

// LockedError carries the retry hint for a locked identifier. It matches
// ErrAccountLocked under errors.Is.
type LockedError struct {
	RetryAfter time.Duration
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("account temporarily locked, retry after %s", e.RetryAfter)
}

func (e *LockedError) Is(target error) bool {
	return target == ErrAccountLocked
}
