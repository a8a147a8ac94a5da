package docstore

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// StatusRetryWith marks a write that lost a race against a concurrent
// transaction on the same documents and can be retried as is.
const StatusRetryWith = 449

// StatusError is a provider failure expressed as an HTTP-style status code.
type StatusError struct {
	StatusCode int
	// Code is the provider's own error code, kept for logging.
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *StatusError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("document store: %d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("document store: %d: %s", e.StatusCode, msg)
}

func (e *StatusError) Unwrap() error { return e.Err }

// NewStatusError builds a StatusError with a formatted message.
func NewStatusError(status int, code, format string, args ...any) *StatusError {
	return &StatusError{StatusCode: status, Code: code, Message: fmt.Sprintf(format, args...)}
}

// StatusCode extracts the status code of a provider failure, or 0 when err is
// not a StatusError.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// RetryAfter returns the provider's suggested delay, if any.
func RetryAfter(err error) time.Duration {
	var se *StatusError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}

// IsRequestRateExceeded reports a throttled request.
func IsRequestRateExceeded(err error) bool {
	return StatusCode(err) == http.StatusTooManyRequests
}

// IsRequestEntityTooLarge reports a request exceeding the provider's
// per-operation size limit.
func IsRequestEntityTooLarge(err error) bool {
	return StatusCode(err) == http.StatusRequestEntityTooLarge
}

// IsNotFound reports a missing document.
func IsNotFound(err error) bool {
	return StatusCode(err) == http.StatusNotFound
}

// IsPreconditionFailed reports a version mismatch.
func IsPreconditionFailed(err error) bool {
	return StatusCode(err) == http.StatusPreconditionFailed
}

// IsServiceUnavailable reports a temporarily unavailable provider.
func IsServiceUnavailable(err error) bool {
	return StatusCode(err) == http.StatusServiceUnavailable
}

// IsTransient reports failures a retry policy may retry.
func IsTransient(err error) bool {
	switch StatusCode(err) {
	case http.StatusTooManyRequests,
		http.StatusServiceUnavailable,
		http.StatusRequestTimeout,
		StatusRetryWith:
		return true
	}
	return false
}
