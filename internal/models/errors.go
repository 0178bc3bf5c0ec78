// Package models provides data model definitions for the AccessCase sync core.
package models

import "fmt"

// ErrorCode classifies failures crossing the sync core's boundaries.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorage       ErrorCode = "STORAGE_ERROR"
	ErrMigration     ErrorCode = "MIGRATION_FAILED"
	ErrQuotaExceeded ErrorCode = "STORAGE_QUOTA_EXCEEDED"

	// Sync errors
	ErrSyncFailed       ErrorCode = "SYNC_FAILED"
	ErrSyncConflict     ErrorCode = "SYNC_CONFLICT"
	ErrSyncInProgress   ErrorCode = "SYNC_IN_PROGRESS"
	ErrSyncOffline      ErrorCode = "SYNC_OFFLINE"
	ErrRetryExhausted   ErrorCode = "RETRY_EXHAUSTED"
	ErrConflictResolved ErrorCode = "CONFLICT_ALREADY_RESOLVED"

	// Transport errors
	ErrTransport       ErrorCode = "TRANSPORT_ERROR"
	ErrBridgeClosed    ErrorCode = "BRIDGE_CLOSED"
	ErrBlobUploadError ErrorCode = "BLOB_UPLOAD_FAILED"
)

// AppError is an application error with a stable code and an optional
// wrapped cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError creates a new AppError.
func NewError(code ErrorCode, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// WrapError wraps an existing error with an error code.
func WrapError(code ErrorCode, message string, err error) *AppError {
	return &AppError{Code: code, Message: message, Err: err}
}

// IsCode checks if an error carries a specific code.
func IsCode(err error, code ErrorCode) bool {
	if appErr, ok := err.(*AppError); ok {
		return appErr.Code == code
	}
	return false
}
