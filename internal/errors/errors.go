package errors

import (
	"errors"
	"fmt"
	"time"
)

// Base error types
var (
	ErrNotFound         = errors.New("not found")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrTimeout          = errors.New("timeout")
	ErrInvalidInput     = errors.New("invalid input")
	ErrConnectionFailed = errors.New("connection failed")
	ErrDuplicate        = errors.New("duplicate record")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeConnection ErrorType = "connection"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeAPI        ErrorType = "api"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeDatabase   ErrorType = "database"
)

// SyncError is a structured error for sync operations
type SyncError struct {
	Type       ErrorType
	Op         string // Operation that failed (e.g., "push_alerts", "fetch_new_active")
	Target     string // Backend or store the operation ran against
	Err        error  // Underlying error
	StatusCode int    // HTTP status code if applicable
	Timestamp  time.Time
	Retryable  bool
}

func (e *SyncError) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s failed on %s: %v", e.Op, e.Target, e.Err)
	}
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *SyncError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUnauthorized:
		return e.Type == ErrorTypeAuth
	case ErrTimeout:
		return e.Type == ErrorTypeTimeout
	case ErrConnectionFailed:
		return e.Type == ErrorTypeConnection
	}

	return errors.Is(e.Err, target)
}

// NewSyncError creates a new SyncError
func NewSyncError(errorType ErrorType, op, target string, err error) *SyncError {
	return &SyncError{
		Type:      errorType,
		Op:        op,
		Target:    target,
		Err:       err,
		Timestamp: time.Now(),
		Retryable: isRetryable(errorType, err),
	}
}

// WithStatusCode adds HTTP status code to the error
func (e *SyncError) WithStatusCode(code int) *SyncError {
	e.StatusCode = code
	if RetryableStatus(code) {
		e.Retryable = true
	} else if code >= 400 && code < 500 {
		e.Retryable = false
	}
	return e
}

// RetryableStatus reports whether an HTTP status is worth another attempt.
func RetryableStatus(code int) bool {
	return code >= 500 || code == 429 || code == 408
}

// isRetryable determines if an error should be retried
func isRetryable(errorType ErrorType, err error) bool {
	switch errorType {
	case ErrorTypeConnection, ErrorTypeTimeout:
		return true
	case ErrorTypeAuth, ErrorTypeValidation, ErrorTypeNotFound:
		return false
	default: // ErrorTypeAPI, ErrorTypeDatabase
		if err != nil {
			return !errors.Is(err, ErrInvalidInput) && !errors.Is(err, ErrDuplicate)
		}
		return true
	}
}

// Helper functions

// WrapConnectionError wraps a connection error with context
func WrapConnectionError(op, target string, err error) error {
	return NewSyncError(ErrorTypeConnection, op, target, err)
}

// WrapTimeoutError wraps a timeout with context
func WrapTimeoutError(op, target string, err error) error {
	return NewSyncError(ErrorTypeTimeout, op, target, err)
}

// WrapAPIError wraps a backend API error with context
func WrapAPIError(op, target string, err error, statusCode int) error {
	return NewSyncError(ErrorTypeAPI, op, target, err).WithStatusCode(statusCode)
}

// WrapDatabaseError wraps a store error with context
func WrapDatabaseError(op string, err error) error {
	return NewSyncError(ErrorTypeDatabase, op, "postgres", err)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}

	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrConnectionFailed)
}
