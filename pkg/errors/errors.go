package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// Media/device errors
	ErrCodePermissionDenied ErrorCode = "PERMISSION_DENIED"

	// Signaling store errors
	ErrCodeStoreIO       ErrorCode = "STORE_IO"
	ErrCodeCallNotFound  ErrorCode = "CALL_NOT_FOUND"
	ErrCodeCallEnded     ErrorCode = "CALL_ENDED"
	ErrCodeStatusRegress ErrorCode = "STATUS_REGRESS"

	// Transport errors
	ErrCodeTransportFailed    ErrorCode = "TRANSPORT_FAILED"
	ErrCodeReconnectExhausted ErrorCode = "RECONNECT_EXHAUSTED"

	// Timeout errors
	ErrCodeCallTimeout    ErrorCode = "CALL_TIMEOUT"
	ErrCodeConnectTimeout ErrorCode = "CONNECT_TIMEOUT"

	// Internal errors
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"
)

// AppError represents a structured application error with code, message, and HTTP status
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	StatusCode int       `json:"-"`
	Details    any       `json:"details,omitempty"`
	Err        error     `json:"-"`
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
// The status code defaults to 500 Internal Server Error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
	}
}

// NewWithStatus creates a new AppError with a specific HTTP status code
func NewWithStatus(code ErrorCode, message string, statusCode int) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
	}
}

// Wrap wraps an existing error with an AppError, preserving the original error
func Wrap(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: http.StatusInternalServerError,
		Err:        err,
	}
}

// WithDetails adds additional details to an AppError for debugging
func (e *AppError) WithDetails(details any) *AppError {
	e.Details = details
	return e
}

// Validation errors
func ValidationError(message string) *AppError {
	return NewWithStatus(ErrCodeValidation, message, http.StatusBadRequest)
}

func InvalidInputError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

// PermissionDeniedError is fatal to the call attempt: media or device
// access was refused before any session work started.
func PermissionDeniedError(err error) *AppError {
	return &AppError{
		Code:       ErrCodePermissionDenied,
		Message:    "Media device access denied",
		StatusCode: http.StatusForbidden,
		Err:        err,
	}
}

// Store errors
func StoreIOError(message string, err error) *AppError {
	return Wrap(ErrCodeStoreIO, message, err)
}

func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

func CallEndedError() *AppError {
	return NewWithStatus(ErrCodeCallEnded, "Call has already ended", http.StatusGone)
}

// Transport errors
func TransportFailedError(err error) *AppError {
	return Wrap(ErrCodeTransportFailed, "Peer connection failed", err)
}

// ReconnectExhaustedError is surfaced after the last in-place recovery
// attempt fails; the call is terminal at that point.
func ReconnectExhaustedError(attempts int) *AppError {
	return New(ErrCodeReconnectExhausted,
		fmt.Sprintf("Connection could not be recovered after %d attempts", attempts))
}

// Timeout errors
func CallTimeoutError() *AppError {
	return NewWithStatus(ErrCodeCallTimeout, "Call was not answered", http.StatusRequestTimeout)
}

func ConnectTimeoutError() *AppError {
	return NewWithStatus(ErrCodeConnectTimeout, "Connection could not be established", http.StatusRequestTimeout)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

// IsAppError checks if an error is an AppError type
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	if appErr, ok := err.(*AppError); ok {
		return appErr
	}
	return InternalError(err.Error())
}

// HasCode reports whether err is an AppError carrying the given code
func HasCode(err error, code ErrorCode) bool {
	appErr, ok := err.(*AppError)
	return ok && appErr.Code == code
}
