// Package errors provides the error taxonomy shared by the sync engine and its callers.
package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode identifies a class of failure that callers can branch on.
type ErrorCode string

const (
	// General errors
	ErrInternal       ErrorCode = "INTERNAL_ERROR"
	ErrNotFound       ErrorCode = "NOT_FOUND"
	ErrNotInitialized ErrorCode = "NOT_INITIALIZED"
	ErrConfigInvalid  ErrorCode = "CONFIG_INVALID"

	// Local durable medium cannot be opened or written. Fatal to the
	// calling operation, never retried automatically.
	ErrStorageUnavailable ErrorCode = "STORAGE_UNAVAILABLE"

	// Manifest could not be parsed or a descriptor is incomplete.
	ErrManifestInvalid ErrorCode = "MANIFEST_INVALID"

	// Sync errors
	ErrNetwork         ErrorCode = "NETWORK_ERROR"
	ErrValidation      ErrorCode = "VALIDATION_ERROR"
	ErrInvalidMutation ErrorCode = "INVALID_MUTATION"
)

// AppError represents an application error with code and message.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error

	// Status is the HTTP status returned by the server, when the error
	// came from a server response.
	Status int
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

// Newf creates a new AppError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an existing error with an error code.
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Is reports whether any error in err's chain is an AppError with the given code.
func Is(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
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

// CodeOf returns the code of the outermost AppError in err's chain, or
// ErrInternal when there is none.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsNetwork reports whether err should be retried with backoff.
func IsNetwork(err error) bool {
	return Is(err, ErrNetwork)
}

// IsValidation reports whether err is a terminal server-side rejection.
func IsValidation(err error) bool {
	return Is(err, ErrValidation)
}

// IsStorage reports whether err came from the local durable medium.
func IsStorage(err error) bool {
	return Is(err, ErrStorageUnavailable)
}
