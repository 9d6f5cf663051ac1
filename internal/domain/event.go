package domain

import "time"

// Event types emitted by the gateway.
const (
	EventUserSignedUp         = "UserSignedUp"
	EventVerificationCodeSent = "VerificationCodeSent"
	EventUserConfirmed        = "UserConfirmed"
	EventUserSignedIn         = "UserSignedIn"
	EventUserSignedOut        = "UserSignedOut"
	EventPasswordReset        = "PasswordReset"
	EventSessionExpired       = "SessionExpired"
)

// Event is the envelope delivered to the bus. EventID lets subscribers drop
// duplicates from at-least-once delivery.
type Event struct {
	EventID    string         `json:"event_id"`
	Type       string         `json:"type"`
	TenantID   string         `json:"tenant_id"`
	OccurredAt time.Time      `json:"occurred_at"`
	Payload    map[string]any `json:"payload"`
}
