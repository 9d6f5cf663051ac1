package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/go-auth-gateway/internal/domain"
	"github.com/go-auth-gateway/internal/pkg/password"
)

// codeRetention keeps expired codes readable for a while so confirm attempts
// report "expired" instead of "not found" before TTL removes them.
const codeRetention = 24 * time.Hour

// CredentialRepo stores users, their email uniqueness locks and verification
// codes in one table partitioned by tenant:
//
//	USER#<subject>            user record
//	EMAIL#<email>             lock item pointing at the subject
//	CODE#<subject>#<purpose>  current verification code for that purpose
type CredentialRepo struct {
	client    API
	tableName string
	now       func() time.Time
}

func NewCredentialRepo(client API, tableName string) *CredentialRepo {
	return &CredentialRepo{client: client, tableName: tableName, now: time.Now}
}

type emailLock struct {
	SubjectID string `dynamodbav:"subject_id"`
}

// Create writes the user, its email lock and the first verification code in
// one transaction. Fails with ErrConflict when the subject or email exists.
func (r *CredentialRepo) Create(ctx context.Context, u *domain.UserRecord, code *domain.VerificationCode) error {
	userItem, err := marshalItem(u, u.TenantID, userSK(u.SubjectID))
	if err != nil {
		return fmt.Errorf("marshal user: %w", err)
	}
	lockItem, err := marshalItem(emailLock{SubjectID: u.SubjectID}, u.TenantID, emailSK(u.Email))
	if err != nil {
		return fmt.Errorf("marshal email lock: %w", err)
	}
	codeItem, err := r.codeItem(code)
	if err != nil {
		return err
	}
	notExists := aws.String("attribute_not_exists(sk)")
	_, err = r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{TableName: aws.String(r.tableName), Item: userItem, ConditionExpression: notExists}},
			{Put: &types.Put{TableName: aws.String(r.tableName), Item: lockItem, ConditionExpression: notExists}},
			{Put: &types.Put{TableName: aws.String(r.tableName), Item: codeItem}},
		},
	})
	return mapError(err, "email already registered")
}

func (r *CredentialRepo) GetByEmail(ctx context.Context, tenantID, email string) (*domain.UserRecord, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            itemKey(tenantID, emailSK(email)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, mapError(err, "get email")
	}
	if out.Item == nil {
		return nil, fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	var lock emailLock
	if err := attributevalue.UnmarshalMap(out.Item, &lock); err != nil {
		return nil, fmt.Errorf("unmarshal email lock: %w", err)
	}
	return r.GetBySubject(ctx, tenantID, lock.SubjectID)
}

func (r *CredentialRepo) GetBySubject(ctx context.Context, tenantID, subjectID string) (*domain.UserRecord, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            itemKey(tenantID, userSK(subjectID)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, mapError(err, "get user")
	}
	if out.Item == nil {
		return nil, fmt.Errorf("user not found: %w", domain.ErrNotFound)
	}
	var u domain.UserRecord
	if err := attributevalue.UnmarshalMap(out.Item, &u); err != nil {
		return nil, fmt.Errorf("unmarshal user: %w", err)
	}
	return &u, nil
}

// UpdateStatus moves a user from one status to another. The write only applies
// when the stored status still equals from; otherwise ErrConflict.
func (r *CredentialRepo) UpdateStatus(ctx context.Context, tenantID, subjectID string, from, to domain.UserStatus) error {
	u := r.statusTransition(tenantID, subjectID, from, to, r.now().UTC())
	_, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 u.TableName,
		Key:                       u.Key,
		UpdateExpression:          u.UpdateExpression,
		ConditionExpression:       u.ConditionExpression,
		ExpressionAttributeNames:  u.ExpressionAttributeNames,
		ExpressionAttributeValues: u.ExpressionAttributeValues,
	})
	return mapError(err, "status changed concurrently")
}

// statusTransition is the compare-and-swap on a user's status. ConfirmSignup
// runs it inside its transaction so the code and the status move together.
func (r *CredentialRepo) statusTransition(tenantID, subjectID string, from, to domain.UserStatus, now time.Time) *types.Update {
	return &types.Update{
		TableName:           aws.String(r.tableName),
		Key:                 itemKey(tenantID, userSK(subjectID)),
		UpdateExpression:    aws.String("SET #st = :to, #ua = :now"),
		ConditionExpression: aws.String("attribute_exists(sk) AND #st = :from"),
		ExpressionAttributeNames: map[string]string{
			"#st": fieldStatus,
			"#ua": fieldUpdatedAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":to":   strVal(string(to)),
			":from": strVal(string(from)),
			":now":  strVal(now.Format(time.RFC3339Nano)),
		},
	}
}

// UpdateCredential replaces the stored hash, salt and KDF parameters.
func (r *CredentialRepo) UpdateCredential(ctx context.Context, tenantID, subjectID string, cred password.Hashed) error {
	ue, err := buildUpdateExpr(map[string]interface{}{
		fieldPasswordHash: cred.Hash,
		fieldSalt:         cred.Salt,
		fieldKDFParams:    cred.Params,
		fieldUpdatedAt:    r.now().UTC(),
	})
	if err != nil {
		return err
	}
	_, err = r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.tableName),
		Key:                       itemKey(tenantID, userSK(subjectID)),
		UpdateExpression:          aws.String(ue.Expr),
		ConditionExpression:       aws.String("attribute_exists(sk)"),
		ExpressionAttributeNames:  ue.Names,
		ExpressionAttributeValues: ue.Values,
	})
	return mapError(err, "user missing")
}

// PutCode stores code as the current one for its purpose, replacing any
// previous code of the same purpose.
func (r *CredentialRepo) PutCode(ctx context.Context, code *domain.VerificationCode) error {
	item, err := r.codeItem(code)
	if err != nil {
		return err
	}
	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      item,
	})
	return mapError(err, "put code")
}

func (r *CredentialRepo) GetCode(ctx context.Context, tenantID, subjectID string, purpose domain.CodePurpose) (*domain.VerificationCode, error) {
	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.tableName),
		Key:            itemKey(tenantID, codeSK(subjectID, purpose)),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, mapError(err, "get code")
	}
	if out.Item == nil {
		return nil, fmt.Errorf("verification code not found: %w", domain.ErrNotFound)
	}
	var v domain.VerificationCode
	if err := attributevalue.UnmarshalMap(out.Item, &v); err != nil {
		return nil, fmt.Errorf("unmarshal code: %w", err)
	}
	return &v, nil
}

// ConfirmSignup consumes the signup code and moves the user to CONFIRMED in a
// single transaction. Concurrent callers racing on the same code see exactly
// one success; the rest get ErrConflict.
func (r *CredentialRepo) ConfirmSignup(ctx context.Context, tenantID, subjectID, code string) error {
	now := r.now().UTC()
	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: r.consumeCode(tenantID, subjectID, domain.PurposeSignupConfirm, code, now)},
			{Update: r.statusTransition(tenantID, subjectID, domain.StatusUnconfirmed, domain.StatusConfirmed, now)},
		},
	})
	return mapError(err, "code already used")
}

// ResetPassword consumes the reset code and replaces the credential in a
// single transaction.
func (r *CredentialRepo) ResetPassword(ctx context.Context, tenantID, subjectID, code string, cred password.Hashed) error {
	now := r.now().UTC()
	_, err := r.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Update: r.consumeCode(tenantID, subjectID, domain.PurposePasswordReset, code, now)},
			{Update: &types.Update{
				TableName:           aws.String(r.tableName),
				Key:                 itemKey(tenantID, userSK(subjectID)),
				UpdateExpression:    aws.String("SET #ph = :ph, #salt = :salt, #kdf = :kdf, #ua = :now"),
				ConditionExpression: aws.String("attribute_exists(sk)"),
				ExpressionAttributeNames: map[string]string{
					"#ph":   fieldPasswordHash,
					"#salt": fieldSalt,
					"#kdf":  fieldKDFParams,
					"#ua":   fieldUpdatedAt,
				},
				ExpressionAttributeValues: map[string]types.AttributeValue{
					":ph":   strVal(cred.Hash),
					":salt": strVal(cred.Salt),
					":kdf":  strVal(cred.Params),
					":now":  strVal(now.Format(time.RFC3339Nano)),
				},
			}},
		},
	})
	return mapError(err, "code already used")
}

// consumeCode flips consumed only while the code matches, is unconsumed and
// has not expired.
func (r *CredentialRepo) consumeCode(tenantID, subjectID string, purpose domain.CodePurpose, code string, now time.Time) *types.Update {
	return &types.Update{
		TableName:           aws.String(r.tableName),
		Key:                 itemKey(tenantID, codeSK(subjectID, purpose)),
		UpdateExpression:    aws.String("SET #c = :true"),
		ConditionExpression: aws.String("#c = :false AND #code = :code AND #exp > :now"),
		ExpressionAttributeNames: map[string]string{
			"#c":    fieldConsumed,
			"#code": fieldCode,
			"#exp":  fieldExpiresAt,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":true":  boolVal(true),
			":false": boolVal(false),
			":code":  strVal(code),
			":now":   unixVal(now),
		},
	}
}

func (r *CredentialRepo) codeItem(code *domain.VerificationCode) (map[string]types.AttributeValue, error) {
	item, err := marshalItem(code, code.TenantID, codeSK(code.SubjectID, code.Purpose))
	if err != nil {
		return nil, fmt.Errorf("marshal code: %w", err)
	}
	item[fieldTTL] = unixVal(code.ExpiresAt.Add(codeRetention))
	return item, nil
}
