// Package errors provides typed error definitions for stackup.
// Every failure the engine can report carries an ErrorCode so that the CLI,
// the run report and the status API can classify it without string matching.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unique identifier for different error types
type ErrorCode string

const (
	// Pre-flight and planning errors. A run never starts when one of these occurs.
	ErrEnvironment      ErrorCode = "ENVIRONMENT"
	ErrCycle            ErrorCode = "CYCLE"
	ErrConfigNotFound   ErrorCode = "CONFIG_NOT_FOUND"
	ErrConfigParse      ErrorCode = "CONFIG_PARSE"
	ErrConfigValidation ErrorCode = "CONFIG_VALIDATION"
	ErrLockHeld         ErrorCode = "LOCK_HELD"

	// Per-service errors. Fatal to the service and its dependents only.
	ErrInstall       ErrorCode = "INSTALL"
	ErrHealthTimeout ErrorCode = "HEALTH_TIMEOUT"
	ErrUpstream      ErrorCode = "UPSTREAM_FAILED"

	// Run-wide, produced only by operator interrupt.
	ErrCancelled ErrorCode = "CANCELLED"

	// Validation errors
	ErrValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrInvalidPath      ErrorCode = "INVALID_PATH"

	// Storage errors
	ErrDatabaseConnection ErrorCode = "DATABASE_CONNECTION"
	ErrDatabaseQuery      ErrorCode = "DATABASE_QUERY"
	ErrDatabaseMigration  ErrorCode = "DATABASE_MIGRATION"
	ErrFileRead           ErrorCode = "FILE_READ"
	ErrFileWrite          ErrorCode = "FILE_WRITE"
	ErrNotFound           ErrorCode = "NOT_FOUND"

	// Internal errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
)

// Process exit codes. Operators rely on these to tell "fully up" from "up with gaps".
const (
	ExitSuccess        = 0
	ExitPartialSuccess = 1
	ExitFailure        = 2
	ExitEnvironment    = 3
)

// StackupError represents a structured error with additional context
type StackupError struct {
	Code    ErrorCode              `json:"code"`
	Message string                 `json:"message"`
	Details string                 `json:"details,omitempty"`
	Cause   error                  `json:"-"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Error implements the error interface
func (e *StackupError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying cause error
func (e *StackupError) Unwrap() error {
	return e.Cause
}

// WithContext adds context information to the error
func (e *StackupError) WithContext(key string, value interface{}) *StackupError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithCause adds the underlying cause error
func (e *StackupError) WithCause(cause error) *StackupError {
	e.Cause = cause
	return e
}

// ServiceID returns the service the error is attributed to, if any
func (e *StackupError) ServiceID() string {
	if id, ok := e.Context["service"].(string); ok {
		return id
	}
	return ""
}

// GetHTTPStatus returns the appropriate HTTP status code for this error
func (e *StackupError) GetHTTPStatus() int {
	switch e.Code {
	case ErrNotFound, ErrConfigNotFound:
		return http.StatusNotFound
	case ErrValidationFailed, ErrInvalidPath, ErrConfigValidation, ErrConfigParse, ErrCycle:
		return http.StatusBadRequest
	case ErrLockHeld:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// New creates a new StackupError
func New(code ErrorCode, message string) *StackupError {
	return &StackupError{
		Code:    code,
		Message: message,
	}
}

// NewWithDetails creates a new StackupError with details
func NewWithDetails(code ErrorCode, message, details string) *StackupError {
	return &StackupError{
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Wrap creates a new StackupError that wraps an existing error
func Wrap(code ErrorCode, message string, cause error) *StackupError {
	return &StackupError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// WrapWithDetails creates a new StackupError with details that wraps an existing error
func WrapWithDetails(code ErrorCode, message, details string, cause error) *StackupError {
	return &StackupError{
		Code:    code,
		Message: message,
		Details: details,
		Cause:   cause,
	}
}

// As returns the first StackupError in err's chain
func As(err error) (*StackupError, bool) {
	var se *StackupError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// GetCode extracts the error code from an error, if it's a StackupError
func GetCode(err error) ErrorCode {
	if se, ok := As(err); ok {
		return se.Code
	}
	return ""
}

// HasCode checks if an error has a specific error code
func HasCode(err error, code ErrorCode) bool {
	return GetCode(err) == code
}

// IsPreflight reports whether err aborted a run before any mutation happened
func IsPreflight(err error) bool {
	switch GetCode(err) {
	case ErrEnvironment, ErrLockHeld:
		return true
	}
	return false
}

// ExitError carries a process exit code through cobra's error return path
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit status %d", e.Code)
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// WithExitCode attaches an explicit exit code to err
func WithExitCode(code int, err error) error {
	return &ExitError{Code: code, Err: err}
}

// ExitCode maps an error returned by a command to the process exit code
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var ee *ExitError
	if stderrors.As(err, &ee) {
		return ee.Code
	}
	if IsPreflight(err) {
		return ExitEnvironment
	}
	return ExitFailure
}

// Is reports whether any error in err's chain matches target
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
