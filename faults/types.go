package faults

import "errors"

type ErrorCategory string

const (
	ValidationError ErrorCategory = "ValidationError"
	NotFoundError   ErrorCategory = "NotFoundError"
	ConflictError   ErrorCategory = "ConflictError"
	AuthError       ErrorCategory = "AuthError"
	TransportError  ErrorCategory = "TransportError"
	RateLimitError  ErrorCategory = "RateLimitError"
	InternalError   ErrorCategory = "InternalError"
)

type TypedError struct {
	Category ErrorCategory
	Message  string
	Cause    error
}

func (e *TypedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Message != "" && e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	if e.Message != "" {
		return e.Message
	}
	if e.Cause != nil {
		return e.Cause.Error()
	}
	return string(e.Category)
}

func (e *TypedError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func NewTypedError(category ErrorCategory, message string, cause error) *TypedError {
	return &TypedError{
		Category: category,
		Message:  message,
		Cause:    cause,
	}
}

func IsCategory(err error, category ErrorCategory) bool {
	if err == nil {
		return false
	}

	var typedErr *TypedError
	if !errors.As(err, &typedErr) {
		return false
	}
	return typedErr.Category == category
}

// Category returns the category of the first typed error in the chain, or
// InternalError when err carries none.
func Category(err error) ErrorCategory {
	var typedErr *TypedError
	if errors.As(err, &typedErr) {
		return typedErr.Category
	}
	return InternalError
}

// IsRetryable reports whether err is an adapter failure that the next
// scheduled run may succeed on.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch Category(err) {
	case AuthError, TransportError, RateLimitError, ConflictError:
		return true
	default:
		return false
	}
}

func Validation(message string, cause error) error {
	return NewTypedError(ValidationError, message, cause)
}

func NotFound(message string) error {
	return NewTypedError(NotFoundError, message, nil)
}

func Conflict(message string, cause error) error {
	return NewTypedError(ConflictError, message, cause)
}

func Internal(message string, cause error) error {
	return NewTypedError(InternalError, message, cause)
}
