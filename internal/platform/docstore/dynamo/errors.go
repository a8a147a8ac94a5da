package dynamo

import (
	"context"
	"errors"
	"net/http"
	"strings"

	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	"github.com/ehr/fhirstore/internal/platform/docstore"
)

// Cancellation reason codes reported by TransactionCanceledException.
const (
	reasonConditionalCheckFailed = "ConditionalCheckFailed"
	reasonTransactionConflict    = "TransactionConflict"
	reasonThrottling             = "ThrottlingError"
	reasonProvisioned            = "ProvisionedThroughputExceeded"
	reasonItemCollectionSize     = "ItemCollectionSizeLimitExceeded"
)

// translateError maps SDK failures onto docstore.StatusError. Context errors
// pass through unchanged so callers can tell cancellation from provider
// failures.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var se *docstore.StatusError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	status := statusFor(err)
	code := ""
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code = apiErr.ErrorCode()
	}
	return &docstore.StatusError{StatusCode: status, Code: code, Err: err}
}

func statusFor(err error) int {
	var (
		condFailed  *types.ConditionalCheckFailedException
		canceled    *types.TransactionCanceledException
		conflict    *types.TransactionConflictException
		inProgress  *types.TransactionInProgressException
		throughput  *types.ProvisionedThroughputExceededException
		limit       *types.RequestLimitExceeded
		collection  *types.ItemCollectionSizeLimitExceededException
		internal    *types.InternalServerError
		notFound    *types.ResourceNotFoundException
		responseErr *awshttp.ResponseError
		apiErr      smithy.APIError
	)

	switch {
	case errors.As(err, &condFailed):
		return http.StatusPreconditionFailed
	case errors.As(err, &canceled):
		return cancellationStatus(canceled)
	case errors.As(err, &conflict), errors.As(err, &inProgress):
		return docstore.StatusRetryWith
	case errors.As(err, &throughput), errors.As(err, &limit):
		return http.StatusTooManyRequests
	case errors.As(err, &collection):
		return http.StatusRequestEntityTooLarge
	case errors.As(err, &internal):
		return http.StatusServiceUnavailable
	case errors.As(err, &notFound):
		// Missing table, not a missing document.
		return http.StatusInternalServerError
	}

	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException":
			return http.StatusTooManyRequests
		case "ValidationException":
			if isSizeViolation(apiErr.ErrorMessage()) {
				return http.StatusRequestEntityTooLarge
			}
			return http.StatusBadRequest
		}
	}

	if errors.As(err, &responseErr) {
		switch code := responseErr.HTTPStatusCode(); {
		case code >= http.StatusInternalServerError:
			return http.StatusServiceUnavailable
		case code != 0:
			return code
		}
	}
	return http.StatusInternalServerError
}

func cancellationStatus(e *types.TransactionCanceledException) int {
	status := http.StatusConflict
	for _, r := range e.CancellationReasons {
		if r.Code == nil {
			continue
		}
		switch *r.Code {
		case reasonConditionalCheckFailed:
			return http.StatusPreconditionFailed
		case reasonItemCollectionSize:
			return http.StatusRequestEntityTooLarge
		case reasonThrottling, reasonProvisioned:
			status = http.StatusTooManyRequests
		case reasonTransactionConflict:
			if status != http.StatusTooManyRequests {
				status = docstore.StatusRetryWith
			}
		}
	}
	return status
}

func isSizeViolation(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "size") && strings.Contains(msg, "exceed") ||
		strings.Contains(msg, "length less than or equal to 100")
}
