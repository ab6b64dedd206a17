// Package errors provides the error taxonomy shared by the sync core and
// bridged to the mobile layer as stable string codes.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents a unique error code surfaced to the mobile app.
type ErrorCode string

const (
	// General errors
	ErrInternal   ErrorCode = "INTERNAL_ERROR"
	ErrInvalid    ErrorCode = "INVALID_INPUT"
	ErrNotFound   ErrorCode = "NOT_FOUND"
	ErrValidation ErrorCode = "VALIDATION_ERROR"

	// Storage errors
	ErrStorageIO  ErrorCode = "STORAGE_IO_ERROR"
	ErrMigration  ErrorCode = "MIGRATION_FAILED"
	ErrConstraint ErrorCode = "CONSTRAINT_VIOLATION"

	// Queue errors
	ErrInvalidTransition ErrorCode = "INVALID_TRANSITION"
	ErrUnknownAction     ErrorCode = "UNKNOWN_ACTION_KIND"

	// Sync errors
	ErrSyncNotConfigured ErrorCode = "SYNC_NOT_CONFIGURED"
	ErrTransientNetwork  ErrorCode = "TRANSIENT_NETWORK_ERROR"
	ErrPermanentRequest  ErrorCode = "PERMANENT_REQUEST_ERROR"
	ErrConflictDiscarded ErrorCode = "CONFLICT_DISCARDED"
	ErrCycleCancelled    ErrorCode = "CYCLE_CANCELLED"
)

// AppError represents an application error with code and message.
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

// Storage wraps a durable-store failure. A nil err yields nil so call sites
// can wrap unconditionally.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return Wrap(ErrStorageIO, op, err)
}

// Is reports whether any AppError in err's chain carries code.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var appErr *AppError
		if !stderrors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}

// CodeOf returns the outermost error code in err's chain, or ErrInternal.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsTransient reports whether err should be retried with backoff.
func IsTransient(err error) bool {
	return Is(err, ErrTransientNetwork)
}

// IsPermanent reports whether err is a non-recoverable request rejection.
func IsPermanent(err error) bool {
	return Is(err, ErrPermanentRequest) || Is(err, ErrValidation) || Is(err, ErrUnknownAction)
}
