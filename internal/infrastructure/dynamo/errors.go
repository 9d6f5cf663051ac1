package dynamo

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/go-auth-gateway/internal/domain"
)

// throttleCodes are vendor error codes that are safe to retry.
var throttleCodes = map[string]struct{}{
	"ProvisionedThroughputExceededException": {},
	"RequestLimitExceeded":                   {},
	"ThrottlingException":                    {},
	"InternalServerError":                    {},
	"ServiceUnavailable":                     {},
}

// mapError translates SDK errors into domain sentinels. conflictMsg describes
// what a failed condition means for the calling operation.
func mapError(err error, conflictMsg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("store timeout: %w", domain.ErrRetryable)
	}
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return fmt.Errorf("%s: %w", conflictMsg, domain.ErrConflict)
	}
	var tce *types.TransactionCanceledException
	if errors.As(err, &tce) {
		for _, r := range tce.CancellationReasons {
			if r.Code == nil {
				continue
			}
			switch *r.Code {
			case "ConditionalCheckFailed", "TransactionConflict":
				return fmt.Errorf("%s: %w", conflictMsg, domain.ErrConflict)
			case "ThrottlingError", "ProvisionedThroughputExceeded":
				return fmt.Errorf("store throttled: %w", domain.ErrRetryable)
			}
		}
		return fmt.Errorf("transaction canceled: %w", domain.ErrRetryable)
	}
	var tip *types.TransactionInProgressException
	if errors.As(err, &tip) {
		return fmt.Errorf("transaction in progress: %w", domain.ErrRetryable)
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if _, ok := throttleCodes[apiErr.ErrorCode()]; ok {
			return fmt.Errorf("store throttled: %w", domain.ErrRetryable)
		}
	}
	return fmt.Errorf("%v: %w", err, domain.ErrInternal)
}
