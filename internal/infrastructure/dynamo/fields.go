package dynamo

import "github.com/go-auth-gateway/internal/domain"

// Key schema shared by every table: pk = tenant id, sk = entity-specific key.
const (
	attrPK = "pk"
	attrSK = "sk"

	prefixUser        = "USER#"
	prefixEmail       = "EMAIL#"
	prefixCode        = "CODE#"
	prefixSession     = "SESSION#"
	prefixIdempotency = "IDEMPOTENCY#"
)

// DynamoDB attribute names used in expressions across all repos.
// Using constants prevents silent runtime bugs caused by key typos.
const (
	fieldSubjectID    = "subject_id"
	fieldStatus       = "status"
	fieldUpdatedAt    = "updated_at"
	fieldPasswordHash = "password_hash"
	fieldSalt         = "salt"
	fieldKDFParams    = "kdf_params"
	fieldCode         = "code"
	fieldConsumed     = "consumed"
	fieldExpiresAt    = "expires_at"
	fieldLastAccessAt = "last_access_at"
	fieldRevoked      = "revoked"
	fieldActive       = "active"
	fieldSubjectKey   = "subject_key"
	fieldTTL          = "ttl"
	fieldResponseCode = "response_code"
	fieldResponseBody = "response_body"
)

const (
	indexSubjectLastAccess = "sub-lastAccess-index"
	indexActiveExpiry      = "active-expiry-index"

	activeMarker = "ACTIVE"
)

func userSK(subjectID string) string { return prefixUser + subjectID }

func emailSK(email string) string { return prefixEmail + email }

func codeSK(subjectID string, purpose domain.CodePurpose) string {
	return prefixCode + subjectID + "#" + string(purpose)
}

func sessionSK(sessionID string) string { return prefixSession + sessionID }

func idempotencySK(key string) string { return prefixIdempotency + key }

// subjectKey scopes the subject GSI by tenant so lookups never cross tenants.
func subjectKey(tenantID, subjectID string) string { return tenantID + "#" + subjectID }
