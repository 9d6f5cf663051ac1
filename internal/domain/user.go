package domain

import "time"

type UserStatus string

const (
	StatusUnconfirmed UserStatus = "UNCONFIRMED"
	StatusConfirmed   UserStatus = "CONFIRMED"
	StatusDisabled    UserStatus = "DISABLED"
)

// Profile attribute keys accepted on signup. Anything else is rejected.
const (
	AttrTier    = "tier"
	AttrCompany = "company"
	AttrRole    = "role"
	AttrCountry = "country"
	AttrAccount = "account"
)

var AllowedAttributes = map[string]struct{}{
	AttrTier:    {},
	AttrCompany: {},
	AttrRole:    {},
	AttrCountry: {},
	AttrAccount: {},
}

// UserRecord is one row per tenant+user.
// PK: tenant_id, SK: USER#<subject_id>.
type UserRecord struct {
	TenantID     string            `json:"tenant_id" dynamodbav:"tenant_id"`
	SubjectID    string            `json:"subject_id" dynamodbav:"subject_id"`
	Email        string            `json:"email" dynamodbav:"email"`
	PasswordHash string            `json:"-" dynamodbav:"password_hash"`
	Salt         string            `json:"-" dynamodbav:"salt"`
	KDFParams    string            `json:"-" dynamodbav:"kdf_params"`
	Attributes   map[string]string `json:"attributes" dynamodbav:"attributes"`
	Status       UserStatus        `json:"status" dynamodbav:"status"`
	CreatedAt    time.Time         `json:"created" dynamodbav:"created_at"`
	UpdatedAt    time.Time         `json:"updated" dynamodbav:"updated_at"`
}

type SignupRequest struct {
	Email      string            `json:"email" validate:"required,email,max=254"`
	Password   string            `json:"password" validate:"required,password_policy"`
	Attributes map[string]string `json:"attributes" validate:"omitempty,max=8,dive,keys,tenant_attr,endkeys,max=128"`
}

type ConfirmSignupRequest struct {
	Email string `json:"email" validate:"required,email"`
	Code  string `json:"code" validate:"required,len=6,numeric"`
}

type SendCodeRequest struct {
	Email   string      `json:"email" validate:"required,email"`
	Purpose CodePurpose `json:"purpose" validate:"required,oneof=SIGNUP_CONFIRM PASSWORD_RESET"`
}

type SigninRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,max=256"`
}

type ResetPasswordRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Code        string `json:"code" validate:"required,len=6,numeric"`
	NewPassword string `json:"new_password" validate:"required,password_policy"`
}
