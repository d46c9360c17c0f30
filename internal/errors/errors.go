// Package errors provides structured error types for the failure pipeline.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrMalformedResult  = errors.New("malformed result")
	ErrDisabled         = errors.New("disabled")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeStorage    ErrorType = "storage"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeDisabled   ErrorType = "disabled"
)

// PipelineError is a structured error for pipeline operations.
type PipelineError struct {
	Type        ErrorType
	Op          string // Operation that failed (e.g., "classify", "create_issue")
	Fingerprint string // Fingerprint in scope, if any
	Err         error  // Underlying error
	StatusCode  int    // HTTP status code if applicable
	Timestamp   time.Time
	Retryable   bool
}

func (e *PipelineError) Error() string {
	if e.Fingerprint != "" {
		return fmt.Sprintf("%s failed for %s: %v", e.Op, e.Fingerprint, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is matching against the base error types.
func (e *PipelineError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrInvalidInput, ErrMalformedResult:
		return e.Type == ErrorTypeValidation
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	case ErrDisabled:
		return e.Type == ErrorTypeDisabled
	}

	if other, ok := target.(*PipelineError); ok {
		return e.Type == other.Type && e.Op == other.Op
	}

	return errors.Is(e.Err, target)
}

// New creates a PipelineError for the given operation.
func New(errType ErrorType, op string, err error) *PipelineError {
	return &PipelineError{
		Type:      errType,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: errType == ErrorTypeConnection || errType == ErrorTypeTimeout,
	}
}

// WithFingerprint returns a copy of the error scoped to a fingerprint.
func (e *PipelineError) WithFingerprint(fp string) *PipelineError {
	clone := *e
	clone.Fingerprint = fp
	return &clone
}

// IsRetryable reports whether the error is worth retrying on the next pass.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsTimeout reports whether the error is a timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
