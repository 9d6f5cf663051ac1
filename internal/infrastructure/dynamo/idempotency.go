package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-auth-gateway/internal/domain"
)

// IdempotencyRepo records request-id reservations for non-idempotent
// endpoints. PK: tenant_id, SK: IDEMPOTENCY#<key>, expiring through TTL.
type IdempotencyRepo struct {
	client    API
	tableName string
}

func NewIdempotencyRepo(client API, tableName string) *IdempotencyRepo {
	return &IdempotencyRepo{client: client, tableName: tableName}
}

// Reserve stores rec as PENDING. Fails with ErrConflict when the key is taken.
func (r *IdempotencyRepo) Reserve(ctx context.Context, rec *domain.IdempotencyRecord) error {
	rec.Status = domain.IdempotencyPending
	item, err := marshalItem(rec, rec.TenantID, idempotencySK(rec.Key))
	if err != nil {
		return fmt.Errorf("marshal idempotency record: %w", err)
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(sk)"),
	})
	return mapError(err, "idempotency key in use")
}

func (r *IdempotencyRepo) Get(ctx context.Context, tenantID, key string) (*domain.IdempotencyRecord, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            itemKey(tenantID, idempotencySK(key)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, mapError(err, "get idempotency record")
	}
	if out.Item == nil {
		return nil, fmt.Errorf("idempotency record not found: %w", domain.ErrNotFound)
	}
	var rec domain.IdempotencyRecord
	if err := attributevalue.UnmarshalMap(out.Item, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal idempotency record: %w", err)
	}
	return &rec, nil
}

// Complete stores the response of a finished request under its key.
func (r *IdempotencyRepo) Complete(ctx context.Context, tenantID, key string, code int, body []byte) error {
	ue, err := buildUpdateExpr(map[string]interface{}{
		fieldStatus:       domain.IdempotencyCompleted,
		fieldResponseCode: code,
		fieldResponseBody: body,
	})
	if err != nil {
		return err
	}
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       itemKey(tenantID, idempotencySK(key)),
		UpdateExpression:          aws.String(ue.Expr),
		ConditionExpression:       aws.String("attribute_exists(sk)"),
		ExpressionAttributeNames:  ue.Names,
		ExpressionAttributeValues: ue.Values,
	})
	return mapError(err, "idempotency record missing")
}

// Release drops a reservation so the client can retry after a failure that
// left no side effects.
func (r *IdempotencyRepo) Release(ctx context.Context, tenantID, key string) error {
	_, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key:       itemKey(tenantID, idempotencySK(key)),
	})
	var rnf *types.ResourceNotFoundException
	if errors.As(err, &rnf) {
		return fmt.Errorf("idempotency table missing: %w", domain.ErrInternal)
	}
	return mapError(err, "release idempotency key")
}
