package errors

import (
	"errors"
	"fmt"
)

// ErrorCode classifies application errors.
type ErrorCode string

const (
	CodeInvalidInput    ErrorCode = "INVALID_INPUT"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeAlreadyExists   ErrorCode = "ALREADY_EXISTS"
	CodeInternal        ErrorCode = "INTERNAL_ERROR"
	CodeInvariant       ErrorCode = "INVARIANT_VIOLATION"
	CodePathOutside     ErrorCode = "PATH_OUTSIDE_WORKSPACE"
	CodeMaxTurnsReached ErrorCode = "MAX_TURNS_REACHED"
	CodeServiceUnavail  ErrorCode = "SERVICE_UNAVAILABLE"
)

// AppError carries a code, a human message and an optional cause.
type AppError struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewInvalidInputError creates an invalid-input error.
func NewInvalidInputError(message string) *AppError {
	return &AppError{Code: CodeInvalidInput, Message: message}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(message string) *AppError {
	return &AppError{Code: CodeNotFound, Message: message}
}

// NewAlreadyExistsError creates an already-exists error.
func NewAlreadyExistsError(message string) *AppError {
	return &AppError{Code: CodeAlreadyExists, Message: message}
}

// NewInternalError creates an internal error.
func NewInternalError(message string) *AppError {
	return &AppError{Code: CodeInternal, Message: message}
}

// NewInternalErrorWithCause creates an internal error wrapping a cause.
func NewInternalErrorWithCause(message string, cause error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: cause}
}

// NewInvariantError marks a broken runtime invariant. Always fatal for the
// trace that hit it.
func NewInvariantError(message string) *AppError {
	return &AppError{Code: CodeInvariant, Message: message}
}

// NewPathOutsideWorkspaceError reports a path that escaped the sandbox root.
// The offending input is embedded in the message so callers can surface it
// as "path_outside_workspace:<input>".
func NewPathOutsideWorkspaceError(input string) *AppError {
	return &AppError{Code: CodePathOutside, Message: "path_outside_workspace:" + input}
}

// IsNotFound reports whether err is a not-found AppError.
func IsNotFound(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeNotFound
	}
	return false
}

// IsInvalidInput reports whether err is an invalid-input AppError.
func IsInvalidInput(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeInvalidInput
	}
	return false
}

// IsInvariant reports whether err is an invariant-violation AppError.
func IsInvariant(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodeInvariant
	}
	return false
}

// IsPathOutsideWorkspace reports whether err is a sandbox escape.
func IsPathOutsideWorkspace(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == CodePathOutside
	}
	return false
}
