package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorType represents different types of errors in the system
type ErrorType string

const (
	// ErrorTypeNotFound indicates a resource was not found
	ErrorTypeNotFound ErrorType = "NOT_FOUND"

	// ErrorTypeValidation indicates a validation error
	ErrorTypeValidation ErrorType = "VALIDATION"

	// ErrorTypeConflict indicates a conflict with existing data
	ErrorTypeConflict ErrorType = "CONFLICT"

	// ErrorTypeUnauthorized indicates unauthorized access
	ErrorTypeUnauthorized ErrorType = "UNAUTHORIZED"

	// ErrorTypeInternal indicates an internal server error
	ErrorTypeInternal ErrorType = "INTERNAL"

	// ErrorTypeExternal indicates an error from external service
	ErrorTypeExternal ErrorType = "EXTERNAL"

	// ErrorTypeRateLimited indicates an external service rejected the call for quota reasons
	ErrorTypeRateLimited ErrorType = "RATE_LIMITED"

	// ErrorTypeTimeout indicates the caller stopped waiting for a unit of work
	ErrorTypeTimeout ErrorType = "TIMEOUT"

	// ErrorTypeCircuitOpen indicates a call was rejected by an open circuit breaker
	ErrorTypeCircuitOpen ErrorType = "CIRCUIT_OPEN"

	// ErrorTypeLockNotAcquired indicates a lease could not be obtained in time
	ErrorTypeLockNotAcquired ErrorType = "LOCK_NOT_ACQUIRED"

	// ErrorTypeResourceExhausted indicates a capacity or configuration problem
	ErrorTypeResourceExhausted ErrorType = "RESOURCE_EXHAUSTED"

	// ErrorTypeInvalidInput indicates the identification input was rejected before dispatch
	ErrorTypeInvalidInput ErrorType = "INVALID_INPUT"

	// ErrorTypeAllProvidersUnavailable indicates no provider produced a usable result
	ErrorTypeAllProvidersUnavailable ErrorType = "ALL_PROVIDERS_UNAVAILABLE"

	// ErrorTypeRetryLater indicates back-pressure; the caller should retry
	ErrorTypeRetryLater ErrorType = "RETRY_LATER"
)

// AppError represents an application error
type AppError struct {
	Type    ErrorType
	Message string
	Err     error
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements the unwrap interface
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError of the same type.
func (e *AppError) Is(target error) bool {
	var other *AppError
	if stderrors.As(target, &other) {
		return other.Type == e.Type && other.Message == ""
	}
	return false
}

// Sentinel values usable with errors.Is.
var (
	ErrCircuitOpen             = &AppError{Type: ErrorTypeCircuitOpen}
	ErrTimeout                 = &AppError{Type: ErrorTypeTimeout}
	ErrLockNotAcquired         = &AppError{Type: ErrorTypeLockNotAcquired}
	ErrAllProvidersUnavailable = &AppError{Type: ErrorTypeAllProvidersUnavailable}
	ErrInvalidInput            = &AppError{Type: ErrorTypeInvalidInput}
)

// TypeOf returns the ErrorType of the first AppError in err's chain.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Type
	}
	return ""
}

// IsType reports whether err carries an AppError of type t.
func IsType(err error, t ErrorType) bool {
	return TypeOf(err) == t
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeNotFound,
		Message: message,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeValidation,
		Message: message,
	}
}

// NewConflictError creates a new conflict error
func NewConflictError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeConflict,
		Message: message,
	}
}

// NewUnauthorizedError creates a new unauthorized error
func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeUnauthorized,
		Message: message,
	}
}

// NewInternalError creates a new internal error
func NewInternalError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeInternal,
		Message: message,
		Err:     err,
	}
}

// NewExternalError creates a new external service error
func NewExternalError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeExternal,
		Message: message,
		Err:     err,
	}
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeRateLimited,
		Message: message,
	}
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeTimeout,
		Message: message,
		Err:     err,
	}
}

// NewCircuitOpenError creates a new circuit open error
func NewCircuitOpenError(provider string) *AppError {
	return &AppError{
		Type:    ErrorTypeCircuitOpen,
		Message: fmt.Sprintf("circuit open for provider %s", provider),
	}
}

// NewLockNotAcquiredError creates a new lock acquisition error
func NewLockNotAcquiredError(key string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeLockNotAcquired,
		Message: fmt.Sprintf("could not acquire lease for %s", key),
		Err:     err,
	}
}

// NewResourceExhaustedError creates a new resource exhausted error
func NewResourceExhaustedError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeResourceExhausted,
		Message: message,
		Err:     err,
	}
}

// NewInvalidInputError creates a new invalid input error
func NewInvalidInputError(message string) *AppError {
	return &AppError{
		Type:    ErrorTypeInvalidInput,
		Message: message,
	}
}

// NewRetryLaterError creates a new back-pressure error
func NewRetryLaterError(message string, err error) *AppError {
	return &AppError{
		Type:    ErrorTypeRetryLater,
		Message: message,
		Err:     err,
	}
}

// ProviderFailure describes why a single provider did not contribute.
type ProviderFailure struct {
	Provider string
	Status   string
	Reason   string
}

// AllProvidersUnavailableError is returned when every attempted provider failed
// or was short-circuited.
type AllProvidersUnavailableError struct {
	*AppError
	Failures []ProviderFailure
}

// NewAllProvidersUnavailableError creates the aggregated failure for a request.
func NewAllProvidersUnavailableError(failures []ProviderFailure) *AllProvidersUnavailableError {
	parts := make([]string, 0, len(failures))
	for _, f := range failures {
		parts = append(parts, fmt.Sprintf("%s=%s(%s)", f.Provider, f.Status, f.Reason))
	}
	return &AllProvidersUnavailableError{
		AppError: &AppError{
			Type:    ErrorTypeAllProvidersUnavailable,
			Message: "identification unavailable, try again later: " + strings.Join(parts, ", "),
		},
		Failures: failures,
	}
}

// Unwrap exposes the embedded AppError to errors.As.
func (e *AllProvidersUnavailableError) Unwrap() error {
	return e.AppError
}
