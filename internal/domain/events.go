package domain

import (
	"context"
	"time"
)

// EventType enumerates the audit events the engine emits. Metrics and
// alerting live in an external collaborator that consumes these events.
type EventType string

const (
	EventLoginSuccess       EventType = "auth.login.success"
	EventLoginFailure       EventType = "auth.login.failure"
	EventLockoutEngaged     EventType = "auth.lockout.engaged"
	EventLockoutCleared     EventType = "auth.lockout.cleared"
	EventStepUpTriggered    EventType = "auth.stepup.triggered"
	EventMFASuccess         EventType = "auth.mfa.success"
	EventMFAFailure         EventType = "auth.mfa.failure"
	EventTokenIssued        EventType = "auth.token.issued"
	EventTokenRefreshed     EventType = "auth.token.refreshed"
	EventTokenRevoked       EventType = "auth.token.revoked"
	EventSessionCreated     EventType = "auth.session.created"
	EventSessionInvalidated EventType = "auth.session.invalidated"
	EventSignalDegraded     EventType = "auth.risk.signal_degraded"
)

// Event is one structured audit record. It carries the identifier, never
// the presented secret.
type Event struct {
	Type       EventType      `json:"type"`
	Identifier string         `json:"identifier,omitempty"`
	AccountID  string         `json:"account_id,omitempty"`
	Outcome    string         `json:"outcome"`
	At         time.Time      `json:"at"`
	Meta       map[string]any `json:"meta,omitempty"`
}

// EventSink receives audit events. Implementations must tolerate concurrent
// calls; emission happens inside the authentication transition that caused
// the event, so a failure counter is never incremented without its record.
type EventSink interface {
	Emit(ctx context.Context, event Event)
}
