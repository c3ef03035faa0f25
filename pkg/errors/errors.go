package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error represents a typed domain error with HTTP awareness.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Is matches errors of the same kind so errors.Is(err, ErrNotFound) works on clones and wraps.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code == t.Code
}

// New creates a new Error instance.
func New(code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message}
}

// Wrap attaches context to an existing error.
func Wrap(err error, code string, status int, message string) *Error {
	return &Error{Code: code, Status: status, Message: message, Err: err}
}

// Predefined errors for the document lifecycle taxonomy.
var (
	ErrValidation          = New("VALIDATION_ERROR", http.StatusBadRequest, "validation failed")
	ErrNotFound            = New("NOT_FOUND", http.StatusNotFound, "resource not found")
	ErrIllegalState        = New("ILLEGAL_STATE", http.StatusConflict, "operation not allowed in current state")
	ErrIntegrity           = New("INTEGRITY_ERROR", http.StatusInternalServerError, "integrity check failed")
	ErrConcurrencyConflict = New("CONCURRENCY_CONFLICT", http.StatusConflict, "concurrent modification detected")
	ErrStorageIO           = New("STORAGE_IO_ERROR", http.StatusInternalServerError, "storage operation failed")
	ErrQueueDispatch       = New("QUEUE_DISPATCH_ERROR", http.StatusServiceUnavailable, "failed to dispatch job")
	ErrInternal            = New("INTERNAL_ERROR", http.StatusInternalServerError, "internal server error")
)

// FromError normalises any error into an *Error.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Wrap(err, ErrInternal.Code, ErrInternal.Status, ErrInternal.Message)
}

// Kind returns the stable error code for err, or an empty string for nil.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	return FromError(err).Code
}

// Clone returns a copy of the error allowing for message overrides.
func Clone(err *Error, message string) *Error {
	if err == nil {
		return nil
	}
	clone := *err
	if message != "" {
		clone.Message = message
	}
	return &clone
}

// WrapKind wraps cause with the code and status of kind and a custom message.
func WrapKind(kind *Error, cause error, message string) *Error {
	if message == "" {
		message = kind.Message
	}
	return Wrap(cause, kind.Code, kind.Status, message)
}
