package dynamo

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-auth-gateway/internal/domain"
)

// SessionRepo provides typed DynamoDB operations for the sessions table.
//
// Besides the record itself every item carries subject_key (tenant#subject) for
// the sub-lastAccess-index and, while not revoked, active=ACTIVE for the sparse
// active-expiry-index the sweeper reads.
type SessionRepo struct {
	client    API
	tableName string
}

func NewSessionRepo(client API, tableName string) *SessionRepo {
	return &SessionRepo{client: client, tableName: tableName}
}

func (r *SessionRepo) Create(ctx context.Context, s *domain.SessionRecord) error {
	item, err := marshalItem(s, s.TenantID, sessionSK(s.SessionID))
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	item[fieldSubjectKey] = strVal(subjectKey(s.TenantID, s.SubjectID))
	if !s.Revoked {
		item[fieldActive] = strVal(activeMarker)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sk)"),
	})
	return mapError(err, "session already exists")
}

func (r *SessionRepo) Get(ctx context.Context, tenantID, sessionID string) (*domain.SessionRecord, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            itemKey(tenantID, sessionSK(sessionID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, mapError(err, "get session")
	}
	if out.Item == nil {
		return nil, fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	var s domain.SessionRecord
	if err := attributevalue.UnmarshalMap(out.Item, &s); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &s, nil
}

// Touch records an access at now and sets the expiry to expiresAt. It applies
// only while the session is neither revoked nor expired; otherwise ErrConflict.
func (r *SessionRepo) Touch(ctx context.Context, tenantID, sessionID string, now, expiresAt time.Time) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 itemKey(tenantID, sessionSK(sessionID)),
		UpdateExpression:    aws.String("SET #la = :now, #exp = :exp"),
		ConditionExpression: aws.String("attribute_exists(sk) AND #rv = :false AND #exp > :now"),
		ExpressionAttributeNames: map[string]string{
			"#la":  fieldLastAccessAt,
			"#exp": fieldExpiresAt,
			"#rv":  fieldRevoked,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":now":   unixVal(now),
			":exp":   unixVal(expiresAt),
			":false": boolVal(false),
		},
	})
	return mapError(err, "session not active")
}

// Revoke marks the session revoked and drops it from the expiry index.
// Revoking an already revoked session succeeds; a missing one is ErrNotFound.
func (r *SessionRepo) Revoke(ctx context.Context, tenantID, sessionID string) error {
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(r.tableName),
		Key:                 itemKey(tenantID, sessionSK(sessionID)),
		UpdateExpression:    aws.String("SET #rv = :true REMOVE #a"),
		ConditionExpression: aws.String("attribute_exists(sk)"),
		ExpressionAttributeNames: map[string]string{
			"#rv": fieldRevoked,
			"#a":  fieldActive,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true": boolVal(true),
		},
	})
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("session not found: %w", domain.ErrNotFound)
	}
	return mapError(err, "revoke session")
}

type expiryCursor struct {
	PK      string `json:"pk"`
	SK      string `json:"sk"`
	Expires int64  `json:"exp"`
}

// ListByExpiry returns up to limit non-revoked sessions whose expiry is before
// the given time. cursor is the next-page token a previous call returned.
func (r *SessionRepo) ListByExpiry(ctx context.Context, before time.Time, cursor string, limit int32) ([]domain.SessionRecord, string, error) {
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(indexActiveExpiry),
		KeyConditionExpression: aws.String("#a = :a AND #exp < :before"),
		ExpressionAttributeNames: map[string]string{
			"#a":   fieldActive,
			"#exp": fieldExpiresAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":a":      strVal(activeMarker),
			":before": unixVal(before),
		},
		Limit: aws.Int32(limit),
	}
	if cursor != "" {
		c, err := decodeExpiryCursor(cursor)
		if err != nil {
			return nil, "", fmt.Errorf("invalid cursor: %w", domain.ErrValidation)
		}
		input.ExclusiveStartKey = map[string]types.AttributeValue{
			attrPK:         strVal(c.PK),
			attrSK:         strVal(c.SK),
			fieldActive:    strVal(activeMarker),
			fieldExpiresAt: intVal(c.Expires),
		}
	}
	out, err := r.client.Query(ctx, input)
	if err != nil {
		return nil, "", mapError(err, "list sessions")
	}
	var sessions []domain.SessionRecord
	if err := attributevalue.UnmarshalListOfMaps(out.Items, &sessions); err != nil {
		return nil, "", fmt.Errorf("unmarshal sessions: %w", err)
	}
	next, err := encodeExpiryCursor(out.LastEvaluatedKey)
	if err != nil {
		return nil, "", err
	}
	return sessions, next, nil
}

// ListActiveBySubject returns the subject's non-revoked sessions, most recently
// used first.
func (r *SessionRepo) ListActiveBySubject(ctx context.Context, tenantID, subjectID string) ([]domain.SessionRecord, error) {
	var sessions []domain.SessionRecord
	input := &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(indexSubjectLastAccess),
		KeyConditionExpression: aws.String("#sk = :sk"),
		FilterExpression:       aws.String("#rv = :false"),
		ExpressionAttributeNames: map[string]string{
			"#sk": fieldSubjectKey,
			"#rv": fieldRevoked,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":sk":    strVal(subjectKey(tenantID, subjectID)),
			":false": boolVal(false),
		},
		ScanIndexForward: aws.Bool(false),
	}
	for {
		out, err := r.client.Query(ctx, input)
		if err != nil {
			return nil, mapError(err, "list subject sessions")
		}
		var page []domain.SessionRecord
		if err := attributevalue.UnmarshalListOfMaps(out.Items, &page); err != nil {
			return nil, fmt.Errorf("unmarshal sessions: %w", err)
		}
		sessions = append(sessions, page...)
		if len(out.LastEvaluatedKey) == 0 {
			return sessions, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func encodeExpiryCursor(lek map[string]types.AttributeValue) (string, error) {
	if len(lek) == 0 {
		return "", nil
	}
	var c expiryCursor
	if v, ok := lek[attrPK].(*types.AttributeValueMemberS); ok {
		c.PK = v.Value
	}
	if v, ok := lek[attrSK].(*types.AttributeValueMemberS); ok {
		c.SK = v.Value
	}
	if v, ok := lek[fieldExpiresAt].(*types.AttributeValueMemberN); ok {
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return "", fmt.Errorf("parse cursor expiry: %w", err)
		}
		c.Expires = n
	}
	b, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func decodeExpiryCursor(cursor string) (expiryCursor, error) {
	var c expiryCursor
	b, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return c, err
	}
	if err := json.Unmarshal(b, &c); err != nil {
		return c, err
	}
	if c.PK == "" || c.SK == "" {
		return c, fmt.Errorf("incomplete cursor")
	}
	return c, nil
}
