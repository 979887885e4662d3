package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Call setup errors
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	ErrCodeSessionInit      ErrorCode = "SESSION_INIT_ERROR"
	ErrCodeNegotiation      ErrorCode = "NEGOTIATION_FAILED"
	ErrCodeChannel          ErrorCode = "CHANNEL_ERROR"
	ErrCodeBusy             ErrorCode = "BUSY"
	ErrCodeRingTimeout      ErrorCode = "RING_TIMEOUT"
	ErrCodeCallActive       ErrorCode = "CALL_ALREADY_ACTIVE"

	// Ownership errors
	ErrCodeStaleInstance ErrorCode = "STALE_INSTANCE"

	// Not found errors
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeCallNotFound ErrorCode = "CALL_NOT_FOUND"

	// Internal errors
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
	ErrCodeStorePersist ErrorCode = "STORE_PERSIST_FAILURE"
)

// AppError represents a structured application error with code and message
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details any       `json:"details,omitempty"`
	Err     error     `json:"-"`
}

// Error implements the error interface, returning a formatted error message
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AppError) Unwrap() error {
	return e.Err
}

// New creates a new AppError with the given code and message
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// User-facing call errors. These drive a FAILED/BUSY transition visible to
// the UI (surfaced through the orchestrator's error callback).

func PermissionDeniedError(err error) *AppError {
	return Wrap(ErrCodePermissionDenied, "Media permission denied", err)
}

func SessionInitError(err error) *AppError {
	return Wrap(ErrCodeSessionInit, "Failed to initialize media session", err)
}

func NegotiationFailedError(err error) *AppError {
	return Wrap(ErrCodeNegotiation, "Connection negotiation failed", err)
}

func ChannelError(err error) *AppError {
	return Wrap(ErrCodeChannel, "Signaling channel error", err)
}

func BusyError() *AppError {
	return New(ErrCodeBusy, "User is busy on another call")
}

func RingTimeoutError() *AppError {
	return New(ErrCodeRingTimeout, "Call was not answered")
}

func CallActiveError() *AppError {
	return New(ErrCodeCallActive, "Another call is already active on this device")
}

// StaleInstanceError marks a superseded ownership registration. It is never
// surfaced to the user.
func StaleInstanceError() *AppError {
	return New(ErrCodeStaleInstance, "Call is owned by another instance")
}

func CallNotFoundError() *AppError {
	return New(ErrCodeCallNotFound, "Call not found")
}

func InvalidInputError(message string) *AppError {
	return New(ErrCodeInvalidInput, message)
}

func InternalError(message string) *AppError {
	return New(ErrCodeInternal, message)
}

// StorePersistError wraps a non-fatal store write failure. Callers log these
// and keep going: the in-memory state machine is the source of truth for an
// active call.
func StorePersistError(err error) *AppError {
	return Wrap(ErrCodeStorePersist, "Store write failed", err)
}

// IsCode reports whether err is an AppError carrying the given code.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}
