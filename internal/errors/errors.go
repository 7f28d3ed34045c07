// Package errors provides error code definitions for the shopsync engine.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique, stable error code surfaced to callers.
type ErrorCode string

const (
	// General errors
	ErrInternal ErrorCode = "INTERNAL_ERROR"
	ErrInvalid  ErrorCode = "INVALID_INPUT"
	ErrNotFound ErrorCode = "NOT_FOUND"

	// Database errors
	ErrDatabase  ErrorCode = "DATABASE_ERROR"
	ErrMigration ErrorCode = "MIGRATION_FAILED"

	// Sync engine taxonomy
	ErrIntegrity          ErrorCode = "INTEGRITY_ERROR"
	ErrTransientNetwork   ErrorCode = "TRANSIENT_NETWORK"
	ErrVersionConflict    ErrorCode = "VERSION_CONFLICT"
	ErrValidationRejected ErrorCode = "VALIDATION_REJECTED"
	ErrRetryExhausted     ErrorCode = "RETRY_EXHAUSTED"
	ErrAtomicCommit       ErrorCode = "ATOMIC_COMMIT"

	// Tenant boundary
	ErrTenantMismatch ErrorCode = "TENANT_MISMATCH"

	// Audit chain
	ErrChainBroken ErrorCode = "AUDIT_CHAIN_BROKEN"
)

// AppError represents an engine error with code and message.
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

// New creates a new AppError.
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is checks if an error carries a specific code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for stderrors.As(err, &appErr) {
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
		if err == nil {
			break
		}
	}
	return false
}

// CodeOf returns the outermost error code, or ErrInternal for plain errors.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// Retryable reports whether the error should be retried with backoff by the
// dispatcher. Version conflicts and validation rejections have their own
// routing and are never blindly retried.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case ErrTransientNetwork, ErrIntegrity:
		return true
	default:
		return false
	}
}
