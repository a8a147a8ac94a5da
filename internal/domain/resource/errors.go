package resource

import (
	"context"
	"errors"
	"fmt"

	"github.com/ehr/fhirstore/internal/platform/docstore"
)

var (
	ErrInvalidArgument       = errors.New("invalid argument")
	ErrVersionConflict       = errors.New("version conflict")
	ErrResourceNotFound      = errors.New("resource not found")
	ErrCreationNotAllowed    = errors.New("resource creation not allowed")
	ErrServiceUnavailable    = errors.New("service unavailable")
	ErrRequestRateExceeded   = errors.New("request rate exceeded")
	ErrRequestEntityTooLarge = errors.New("request entity too large")
)

// translateError maps a document store failure to a domain error. Context
// errors pass through unchanged; unmapped failures keep their message but not
// the provider's error value.
func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case docstore.IsPreconditionFailed(err):
		return fmt.Errorf("%w: %v", ErrVersionConflict, err)
	case docstore.IsNotFound(err):
		return fmt.Errorf("%w: %v", ErrResourceNotFound, err)
	case docstore.IsServiceUnavailable(err):
		return fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	case docstore.IsRequestRateExceeded(err):
		return fmt.Errorf("%w: %v", ErrRequestRateExceeded, err)
	case docstore.IsRequestEntityTooLarge(err):
		return fmt.Errorf("%w: %v", ErrRequestEntityTooLarge, err)
	case docstore.StatusCode(err) == 400:
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return fmt.Errorf("document store: %v", err)
}
