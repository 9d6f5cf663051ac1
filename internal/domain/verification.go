package domain

import "time"

type CodePurpose string

const (
	PurposeSignupConfirm CodePurpose = "SIGNUP_CONFIRM"
	PurposePasswordReset CodePurpose = "PASSWORD_RESET"
)

// VerificationCode is a single-use, time-limited 6-digit code.
// PK: tenant_id, SK: CODE#<subject_id>#<purpose>. Only one code per purpose exists
// per subject, so issuing a new one replaces the previous.
type VerificationCode struct {
	TenantID  string      `json:"tenant_id" dynamodbav:"tenant_id"`
	SubjectID string      `json:"subject_id" dynamodbav:"subject_id"`
	Code      string      `json:"code" dynamodbav:"code"`
	Purpose   CodePurpose `json:"purpose" dynamodbav:"purpose"`
	ExpiresAt time.Time   `json:"expires_at" dynamodbav:"expires_at,unixtime"`
	Consumed  bool        `json:"consumed" dynamodbav:"consumed"`
}
