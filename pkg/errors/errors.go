package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies an error within the sync taxonomy
type ErrorCode string

// Taxonomy codes
const (
	ErrValidation   ErrorCode = "VALIDATION_ERROR"
	ErrNotFound     ErrorCode = "NOT_FOUND"
	ErrInvalidState ErrorCode = "INVALID_STATE"
	ErrNetwork      ErrorCode = "NETWORK_ERROR"
	ErrRemote       ErrorCode = "REMOTE_ERROR"
	ErrConflict     ErrorCode = "CONFLICT"
	ErrInternal     ErrorCode = "INTERNAL_ERROR"
)

// AppError represents an application error
type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Err     error     `json:"-"`

	// RemoteStatus and RemoteCode are set only on REMOTE_ERROR values and
	// carry the server's HTTP status and application-level rejection code.
	RemoteStatus int    `json:"remote_status,omitempty"`
	RemoteCode   string `json:"remote_code,omitempty"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Error constructors
func Validation(message string, err error) *AppError {
	return &AppError{Code: ErrValidation, Message: message, Err: err}
}

func NotFound(resource string, err error) *AppError {
	return &AppError{
		Code:    ErrNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Err:     err,
	}
}

func InvalidState(message string) *AppError {
	return &AppError{Code: ErrInvalidState, Message: message}
}

func Network(message string, err error) *AppError {
	return &AppError{Code: ErrNetwork, Message: message, Err: err}
}

func Remote(status int, remoteCode, message string) *AppError {
	return &AppError{
		Code:         ErrRemote,
		Message:      message,
		RemoteStatus: status,
		RemoteCode:   remoteCode,
	}
}

func Conflict(message string, err error) *AppError {
	return &AppError{Code: ErrConflict, Message: message, Err: err}
}

func Internal(err error) *AppError {
	return &AppError{Code: ErrInternal, Message: "internal error", Err: err}
}

// CodeOf extracts the taxonomy code from err, unwrapping as needed.
// Unclassified errors report INTERNAL_ERROR.
func CodeOf(err error) ErrorCode {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrInternal
}

// IsCode reports whether err carries the given taxonomy code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}

// IsRetryable reports whether a failed operation may be retried later.
// Network errors are always retryable; remote rejections only when the
// server signalled a transient condition.
func IsRetryable(err error) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	switch appErr.Code {
	case ErrNetwork:
		return true
	case ErrRemote:
		return appErr.RemoteStatus >= http.StatusInternalServerError ||
			appErr.RemoteStatus == http.StatusTooManyRequests
	default:
		return false
	}
}
