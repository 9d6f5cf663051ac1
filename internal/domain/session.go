package domain

import "time"

// SessionRecord is an ephemeral authenticated context.
// PK: tenant_id, SK: SESSION#<session_id>.
// SubjectID is a weak reference; deleting a user never cascades here.
type SessionRecord struct {
	TenantID         string    `json:"tenant_id" dynamodbav:"tenant_id"`
	SessionID        string    `json:"session_id" dynamodbav:"session_id"`
	SubjectID        string    `json:"subject_id" dynamodbav:"subject_id"`
	IssuedAt         time.Time `json:"issued_at" dynamodbav:"issued_at,unixtime"`
	LastAccessAt     time.Time `json:"last_access_at" dynamodbav:"last_access_at,unixtime"`
	ExpiresAt        time.Time `json:"expires_at" dynamodbav:"expires_at,unixtime"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at" dynamodbav:"refresh_expires_at,unixtime"`
	Revoked          bool      `json:"revoked" dynamodbav:"revoked"`
}

// Active reports whether the session can still authenticate at now.
func (s *SessionRecord) Active(now time.Time) bool {
	return !s.Revoked && now.Before(s.ExpiresAt)
}
