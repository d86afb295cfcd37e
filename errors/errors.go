package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents different categories of engine errors
type ErrorType string

const (
	ErrTypeValidation        ErrorType = "validation"
	ErrTypeInvalidPath       ErrorType = "invalid_path"
	ErrTypeNotFound          ErrorType = "not_found"
	ErrTypeConflict          ErrorType = "conflict"
	ErrTypeAlreadyInProgress ErrorType = "already_in_progress"
	ErrTypeTierUnavailable   ErrorType = "tier_unavailable"
	ErrTypeStaleRead         ErrorType = "stale_read"
	ErrTypeDatabase          ErrorType = "database"
	ErrTypeTimeout           ErrorType = "timeout"
	ErrTypeInternal          ErrorType = "internal"
)

// AppError represents a standardized engine error
type AppError struct {
	Type       ErrorType `json:"type"`
	Code       string    `json:"code"`
	Message    string    `json:"message"`
	Details    string    `json:"details,omitempty"`
	Cause      error     `json:"-"`
	StatusCode int       `json:"-"`
	Retryable  bool      `json:"-"`
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether the error should be retried
func (e *AppError) IsRetryable() bool {
	return e.Retryable
}

// GetHTTPStatusCode returns the appropriate HTTP status code
func (e *AppError) GetHTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrTypeValidation, ErrTypeInvalidPath:
		return http.StatusBadRequest
	case ErrTypeNotFound:
		return http.StatusNotFound
	case ErrTypeConflict:
		return http.StatusConflict
	case ErrTypeAlreadyInProgress:
		// Refresh contention is an expected race, not a failure
		return http.StatusAccepted
	case ErrTypeTimeout:
		return http.StatusRequestTimeout
	case ErrTypeTierUnavailable, ErrTypeDatabase:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Error constructors for the engine taxonomy

// NewNotFoundError creates a node-absent error; recoverable, caller decides
func NewNotFoundError(code, message string, cause error) *AppError {
	return &AppError{
		Type:       ErrTypeNotFound,
		Code:       code,
		Message:    message,
		Cause:      cause,
		StatusCode: http.StatusNotFound,
		Retryable:  false,
	}
}

// NewInvalidPathError creates a malformed-path error. Indicates data
// corruption: surfaced and logged, never retried.
func NewInvalidPathError(message string, cause error) *AppError {
	return &AppError{
		Type:       ErrTypeInvalidPath,
		Code:       ErrCodeInvalidPath,
		Message:    message,
		Cause:      cause,
		StatusCode: http.StatusBadRequest,
		Retryable:  false,
	}
}

// NewAlreadyInProgressError signals refresh contention. Expected and
// retriable by the caller, but never escalated as a failure.
func NewAlreadyInProgressError(aggregateName string) *AppError {
	return &AppError{
		Type:      ErrTypeAlreadyInProgress,
		Code:      ErrCodeRefreshInProgress,
		Message:   fmt.Sprintf("refresh of aggregate %q is already in progress", aggregateName),
		Retryable: true,
	}
}

// NewTierUnavailableError creates a cache/store tier unreachable error.
// Reads degrade past the tier; writes fail when the durable tier is down.
func NewTierUnavailableError(tier, message string, cause error) *AppError {
	return &AppError{
		Type:       ErrTypeTierUnavailable,
		Code:       ErrCodeTierUnavailable,
		Message:    fmt.Sprintf("tier %s: %s", tier, message),
		Cause:      cause,
		StatusCode: http.StatusBadGateway,
		Retryable:  true,
	}
}

// NewStaleReadWarning annotates a successful read served from an out-of-date
// aggregate. Not a failure; carried alongside the result, never instead of it.
func NewStaleReadWarning(nodeID string) *AppError {
	return &AppError{
		Type:      ErrTypeStaleRead,
		Code:      ErrCodeStaleRead,
		Message:   fmt.Sprintf("result for node %q served from a stale aggregate", nodeID),
		Retryable: false,
	}
}

// NewValidationError creates a validation error
func NewValidationError(code, message string, cause error) *AppError {
	return &AppError{
		Type:       ErrTypeValidation,
		Code:       code,
		Message:    message,
		Cause:      cause,
		StatusCode: http.StatusBadRequest,
		Retryable:  false,
	}
}

// NewDatabaseError creates a durable-store error
func NewDatabaseError(code, message string, cause error) *AppError {
	return &AppError{
		Type:       ErrTypeDatabase,
		Code:       code,
		Message:    message,
		Cause:      cause,
		StatusCode: http.StatusInternalServerError,
		Retryable:  true,
	}
}

// NewConflictError creates a conflict error
func NewConflictError(code, message string, cause error) *AppError {
	return &AppError{
		Type:       ErrTypeConflict,
		Code:       code,
		Message:    message,
		Cause:      cause,
		StatusCode: http.StatusConflict,
		Retryable:  false,
	}
}

// NewTimeoutError creates a timeout error
func NewTimeoutError(code, message string, cause error) *AppError {
	return &AppError{
		Type:       ErrTypeTimeout,
		Code:       code,
		Message:    message,
		Cause:      cause,
		StatusCode: http.StatusRequestTimeout,
		Retryable:  true,
	}
}

// NewInternalError creates an internal error
func NewInternalError(code, message string, cause error) *AppError {
	return &AppError{
		Type:       ErrTypeInternal,
		Code:       code,
		Message:    message,
		Cause:      cause,
		StatusCode: http.StatusInternalServerError,
		Retryable:  false,
	}
}

// Predefined error codes
const (
	// Path errors
	ErrCodeInvalidPath = "INVALID_PATH"

	// Hierarchy errors
	ErrCodeNodeNotFound   = "NODE_NOT_FOUND"
	ErrCodeNodeExists     = "NODE_ALREADY_EXISTS"
	ErrCodeCyclicMove     = "CYCLIC_MOVE"
	ErrCodeIncompleteMove = "INCOMPLETE_MOVE"

	// Refresh errors
	ErrCodeAggregateNotFound = "AGGREGATE_NOT_FOUND"
	ErrCodeInvalidAggregate  = "INVALID_AGGREGATE_KIND"
	ErrCodeRefreshInProgress = "REFRESH_IN_PROGRESS"
	ErrCodeRefreshFailed     = "REFRESH_FAILED"
	ErrCodeLockUnavailable   = "LOCK_UNAVAILABLE"

	// Tier errors
	ErrCodeTierUnavailable = "TIER_UNAVAILABLE"
	ErrCodeStaleRead       = "STALE_READ"

	// Database errors
	ErrCodeDatabaseConnection = "DATABASE_CONNECTION_FAILED"
	ErrCodeDatabaseQuery      = "DATABASE_QUERY_FAILED"
	ErrCodeDatabaseConstraint = "DATABASE_CONSTRAINT_VIOLATION"

	// Internal errors
	ErrCodeConfigurationError = "CONFIGURATION_ERROR"
	ErrCodeSerializationError = "SERIALIZATION_ERROR"
	ErrCodeProcessingError    = "PROCESSING_ERROR"
)

// IsAppError checks if an error is an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

// AsAppError converts an error to AppError if possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// IsType reports whether err is an AppError of the given type
func IsType(err error, t ErrorType) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Type == t
	}
	return false
}

// IsNotFound reports whether err signals an absent node
func IsNotFound(err error) bool {
	return IsType(err, ErrTypeNotFound)
}

// IsAlreadyInProgress reports whether err signals refresh contention
func IsAlreadyInProgress(err error) bool {
	return IsType(err, ErrTypeAlreadyInProgress)
}

// IsTierUnavailable reports whether err signals an unreachable tier
func IsTierUnavailable(err error) bool {
	return IsType(err, ErrTypeTierUnavailable)
}

// WrapError wraps an existing error as an AppError
func WrapError(err error, errType ErrorType, code, message string) *AppError {
	if err == nil {
		return nil
	}

	// If it's already an AppError, preserve its retryability
	if appErr, ok := AsAppError(err); ok {
		return &AppError{
			Type:      errType,
			Code:      code,
			Message:   message,
			Cause:     appErr,
			Retryable: appErr.Retryable,
		}
	}

	return &AppError{
		Type:      errType,
		Code:      code,
		Message:   message,
		Cause:     err,
		Retryable: isRetryableByDefault(errType),
	}
}

// isRetryableByDefault determines default retryability based on error type
func isRetryableByDefault(errType ErrorType) bool {
	switch errType {
	case ErrTypeDatabase, ErrTypeTierUnavailable, ErrTypeTimeout, ErrTypeAlreadyInProgress:
		return true
	default:
		return false
	}
}

// IsRetryable checks if an error should be retried
func IsRetryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.IsRetryable()
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Default to non-retryable for unknown errors
	return false
}
