package errors

import (
	"errors"
	"fmt"
)

// AppError is the typed error every messaging operation returns to its caller.
// Code identifies the failure class, Message is safe to show to the user.
type AppError struct {
	Code    int
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%d] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%d] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NewError creates an AppError.
func NewError(code int, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap returns a copy of e carrying err as its cause.
func (e *AppError) Wrap(err error) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     err,
	}
}

// WithMessage returns a copy of e with a more specific user-facing message.
func (e *AppError) WithMessage(message string) *AppError {
	return &AppError{
		Code:    e.Code,
		Message: message,
		Err:     e.Err,
	}
}

// Is reports whether err is an AppError with the same code as target.
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetCode returns the AppError code of err, CodeServerError otherwise.
func GetCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeServerError
}

// GetMessage returns the user-facing message of err.
func GetMessage(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal server error"
}

// Retryable reports whether a caller may retry the failed operation.
// Validation and permission failures are terminal.
func Retryable(err error) bool {
	switch GetCode(err) {
	case CodeValidation, CodePermissionDenied, CodeNotFound, CodeInvalidParams:
		return false
	}
	return true
}

const (
	CodeSuccess = 0

	// auth 10000-10999
	CodeTokenInvalid = 10003
	CodeTokenExpired = 10004

	// request 11000-11999
	CodeInvalidParams = 11002

	// messaging 20000-20999
	CodeValidation       = 20001
	CodePermissionDenied = 20002
	CodeNotFound         = 20003
	CodeTransport        = 20004

	// system 50000-50999
	CodeServerError     = 50001
	CodeDBError         = 50002
	CodeTooManyRequests = 50003
)

var (
	ErrTokenInvalid = NewError(CodeTokenInvalid, "token is invalid")
	ErrTokenExpired = NewError(CodeTokenExpired, "token has expired")
)

var (
	ErrInvalidParams = NewError(CodeInvalidParams, "invalid parameters")
)

var (
	ErrValidation       = NewError(CodeValidation, "message content rejected")
	ErrPermissionDenied = NewError(CodePermissionDenied, "permission denied")
	ErrNotFound         = NewError(CodeNotFound, "not found")
	ErrTransport        = NewError(CodeTransport, "realtime transport unavailable")
)

var (
	ErrServerError     = NewError(CodeServerError, "internal server error")
	ErrDBError         = NewError(CodeDBError, "database error")
	ErrTooManyRequests = NewError(CodeTooManyRequests, "too many requests, slow down")
)
