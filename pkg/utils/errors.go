package utils

import (
	"errors"
	"fmt"
)

// AppError application error structure
type AppError struct {
	Code    ResponseCode `json:"code"`
	Message string       `json:"message"`
	Err     error        `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("code: %d, message: %s, error: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is matches any AppError carrying the same code, so wrapped sentinels compare equal.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError create new application error
func NewError(code ResponseCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// WrapError wraps err with a code and message
func WrapError(err error, code ResponseCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Predefined errors
var (
	ErrInvalidParam  = NewError(CodeInvalidParam, "invalid parameter")
	ErrUnauthorized  = NewError(CodeUnauthorized, "unauthorized")
	ErrForbidden     = NewError(CodeForbidden, "forbidden")
	ErrRateLimit     = NewError(CodeRateLimit, "rate limit exceeded")
	ErrInternalError = NewError(CodeInternalError, "internal server error")
	ErrDatabaseError = NewError(CodeDatabaseError, "database error")

	ErrOrderNotFound     = NewError(CodeOrderNotFound, "order not found")
	ErrInvalidCart       = NewError(CodeInvalidCart, "invalid cart")
	ErrUnknownCoupon     = NewError(CodeUnknownCoupon, "unknown coupon")
	ErrInvalidTransition = NewError(CodeInvalidTransition, "invalid status transition")
	ErrConcurrentUpdate  = NewError(CodeConcurrentUpdate, "order was modified concurrently")
	ErrNoPaymentSession  = NewError(CodeNoPaymentSession, "order has no payment session")
	ErrPaymentGateway    = NewError(CodePaymentGateway, "payment gateway error")
	ErrMessagePublish    = NewError(CodeMessagePublish, "message publish failed")
	ErrDuplicateRequest  = NewError(CodeDuplicateRequest, "request is already being processed")
)

// AsAppError finds the first AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// GetErrorCode get error code
func GetErrorCode(err error) ResponseCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return CodeInternalError
}

// GetErrorMessage returns the client-safe message; non-application errors are hidden.
func GetErrorMessage(err error) string {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Message
	}
	return ErrInternalError.Message
}
