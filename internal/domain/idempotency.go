package domain

import "time"

const (
	IdempotencyPending   = "PENDING"
	IdempotencyCompleted = "COMPLETED"
)

// IdempotencyRecord remembers the outcome of a non-idempotent request.
// PK: tenant_id, SK: IDEMPOTENCY#<key>. ExpiresAt doubles as DynamoDB TTL.
type IdempotencyRecord struct {
	TenantID     string    `json:"tenant_id" dynamodbav:"tenant_id"`
	Key          string    `json:"key" dynamodbav:"key"`
	RequestHash  string    `json:"request_hash" dynamodbav:"request_hash"`
	Status       string    `json:"status" dynamodbav:"status"`
	ResponseCode int       `json:"response_code" dynamodbav:"response_code"`
	ResponseBody []byte    `json:"response_body" dynamodbav:"response_body"`
	ExpiresAt    int64     `json:"expires_at" dynamodbav:"ttl"`
	CreatedAt    time.Time `json:"created" dynamodbav:"created_at"`
}
