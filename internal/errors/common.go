package errors

import (
	"fmt"
	"strings"
)

// Environment reports a failed hard pre-flight check
func Environment(check string, observed, required interface{}) *StackupError {
	return NewWithDetails(ErrEnvironment, "Pre-flight check failed",
		fmt.Sprintf("Check: %s, Observed: %v, Required: %v", check, observed, required)).
		WithContext("check", check)
}

// Cycle reports a dependency cycle among the given service ids
func Cycle(ids []string) *StackupError {
	return NewWithDetails(ErrCycle, "Dependency cycle detected", strings.Join(ids, " -> ")).
		WithContext("services", ids)
}

// Install reports that applying a service failed
func Install(serviceID string, cause error) *StackupError {
	return WrapWithDetails(ErrInstall, "Install failed",
		fmt.Sprintf("Service: %s", serviceID), cause).
		WithContext("service", serviceID)
}

// HealthTimeout reports that a service never passed its health check
func HealthTimeout(serviceID string, attempts int, cause error) *StackupError {
	return WrapWithDetails(ErrHealthTimeout, "Health check did not pass",
		fmt.Sprintf("Service: %s, Attempts: %d", serviceID, attempts), cause).
		WithContext("service", serviceID).
		WithContext("attempts", attempts)
}

// Cancelled reports an operator interrupt observed while handling serviceID
func Cancelled(serviceID string) *StackupError {
	e := New(ErrCancelled, "cancelled")
	if serviceID != "" {
		e.WithContext("service", serviceID)
	}
	return e
}

// LockHeld reports that another run holds the target lock
func LockHeld(path string) *StackupError {
	return NewWithDetails(ErrLockHeld, "Another provisioning run is in progress",
		fmt.Sprintf("Lock: %s", path))
}

// Configuration Errors
func ConfigNotFound(path string) *StackupError {
	return NewWithDetails(ErrConfigNotFound, "Configuration file not found", fmt.Sprintf("Path: %s", path))
}

func ConfigParseError(path string, cause error) *StackupError {
	return WrapWithDetails(ErrConfigParse, "Failed to parse configuration", fmt.Sprintf("Path: %s", path), cause)
}

func ConfigValidationError(field, reason string) *StackupError {
	return NewWithDetails(ErrConfigValidation, "Configuration validation failed",
		fmt.Sprintf("Field: %s, Reason: %s", field, reason))
}

// Database Errors
func DatabaseConnectionError(cause error) *StackupError {
	return Wrap(ErrDatabaseConnection, "Database connection failed", cause)
}

func DatabaseQueryError(query string, cause error) *StackupError {
	return WrapWithDetails(ErrDatabaseQuery, "Database query failed",
		fmt.Sprintf("Query: %s", query), cause)
}

func DatabaseMigrationError(cause error) *StackupError {
	return Wrap(ErrDatabaseMigration, "Database migration failed", cause)
}

// Validation Errors
func ValidationFailed(field, value, reason string) *StackupError {
	return NewWithDetails(ErrValidationFailed, "Validation failed",
		fmt.Sprintf("Field: %s, Value: %s, Reason: %s", field, value, reason))
}

func InvalidPath(path, reason string) *StackupError {
	return NewWithDetails(ErrInvalidPath, "Invalid path",
		fmt.Sprintf("Path: %s, Reason: %s", path, reason))
}

// File Errors
func FileReadError(path string, cause error) *StackupError {
	return WrapWithDetails(ErrFileRead, "Failed to read file", fmt.Sprintf("Path: %s", path), cause)
}

func FileWriteError(path string, cause error) *StackupError {
	return WrapWithDetails(ErrFileWrite, "Failed to write file", fmt.Sprintf("Path: %s", path), cause)
}

func NotFound(kind, id string) *StackupError {
	return NewWithDetails(ErrNotFound, "Not found", fmt.Sprintf("%s: %s", kind, id))
}

// Internal Errors
func InternalError(details string, cause error) *StackupError {
	if cause != nil {
		return WrapWithDetails(ErrInternal, "Internal error", details, cause)
	}
	return NewWithDetails(ErrInternal, "Internal error", details)
}
