package services

import (
	"errors"
	"fmt"
)

// ValidationError marks input that can never succeed no matter how many
// times the job retries (malformed payload, missing transcript). Terminal.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ExternalServiceError wraps a transient failure from a transcription or
// analysis provider (timeout, 5xx, connection reset). Retried with backoff.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s request failed: %v", e.Service, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// ResourceLimitExceededError marks input over a configured ceiling
// (recording size or duration, transcript length). Terminal.
type ResourceLimitExceededError struct {
	Resource string
	Actual   int64
	Limit    int64
}

func (e *ResourceLimitExceededError) Error() string {
	return fmt.Sprintf("%s exceeds limit: %d > %d", e.Resource, e.Actual, e.Limit)
}

// IsRetryable reports whether a stage error should be retried with backoff
// or failed immediately. Unknown errors count as transient so database and
// network hiccups go through the retry budget.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return false
	}
	var limitErr *ResourceLimitExceededError
	if errors.As(err, &limitErr) {
		return false
	}
	return true
}
