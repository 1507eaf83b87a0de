package domain

import "time"

// Login outcome statuses returned on the wire.
const (
	StatusSuccess     = "success"
	StatusMFARequired = "mfa_required"
	StatusLocked      = "locked"
	StatusDenied      = "denied"
)

// LoginRequest is the engine's inbound contract for a primary
// authentication attempt.
type LoginRequest struct {
	Identifier        string `json:"identifier"`
	Password          string `json:"password"`
	DeviceFingerprint string `json:"device_fingerprint"`
	NetworkOrigin     string `json:"network_origin"`
	MFACode           string `json:"mfa_code,omitempty"`
}

// LoginResult is returned on a successful (or partially successful) login.
// The locked outcome travels as LockedError, never through this struct.
type LoginResult struct {
	Status       string `json:"status"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
}

// TokenIntrospection is the answer to the token-introspection call.
type TokenIntrospection struct {
	Valid       bool      `json:"valid"`
	AccountID   string    `json:"account_id,omitempty"`
	Permissions []string  `json:"permissions,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
}
