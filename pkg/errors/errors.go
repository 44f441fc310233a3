package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode represents application-specific error codes
type ErrorCode string

const (
	// Validation errors are rejected before any write happens.
	ErrCodeValidation   ErrorCode = "VALIDATION_ERROR"
	ErrCodeMissingField ErrorCode = "MISSING_FIELD"

	// Authentication errors
	ErrCodeUnauthorized ErrorCode = "UNAUTHORIZED"
	ErrCodeInvalidToken ErrorCode = "INVALID_TOKEN"
	ErrCodeExpiredToken ErrorCode = "EXPIRED_TOKEN"

	// Permission errors are surfaced immediately and never retried.
	ErrCodeForbidden      ErrorCode = "FORBIDDEN"
	ErrCodeNotParticipant ErrorCode = "NOT_PARTICIPANT"

	// Not found errors
	ErrCodeNotFound             ErrorCode = "NOT_FOUND"
	ErrCodeConversationNotFound ErrorCode = "CONVERSATION_NOT_FOUND"
	ErrCodeCallNotFound         ErrorCode = "CALL_NOT_FOUND"

	// Conflict errors
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeChannelBusy        ErrorCode = "CHANNEL_BUSY"
	ErrCodeConversationClosed ErrorCode = "CONVERSATION_CLOSED"
	ErrCodeInvalidTransition  ErrorCode = "INVALID_TRANSITION"

	// Transfer errors
	ErrCodeUploadNetwork   ErrorCode = "UPLOAD_NETWORK"
	ErrCodeQuotaExceeded   ErrorCode = "QUOTA_EXCEEDED"
	ErrCodeUnsupportedType ErrorCode = "UNSUPPORTED_TYPE"
	ErrCodeUploadCancelled ErrorCode = "UPLOAD_CANCELLED"

	// Media layer errors force the call into a terminal state.
	ErrCodeMediaLayer      ErrorCode = "MEDIA_LAYER"
	ErrCodeCallSetupFailed ErrorCode = "CALL_SETUP_FAILED"

	// Transient errors are retried with bounded backoff.
	ErrCodeTransient ErrorCode = "TRANSIENT"

	// Internal errors
	ErrCodeInternal       ErrorCode = "INTERNAL_ERROR"
	ErrCodeDatabase       ErrorCode = "DATABASE_ERROR"
	ErrCodeStorage        ErrorCode = "STORAGE_ERROR"
	ErrCodeTranslation    ErrorCode = "TRANSLATION_ERROR"
	ErrCodeServiceUnavail ErrorCode = "SERVICE_UNAVAILABLE"
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

// Is matches another AppError by code, so errors.Is(err, errors.New(code, "")) works.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
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

// WrapWithStatus wraps an existing error with an AppError and specific status code
func WrapWithStatus(code ErrorCode, message string, statusCode int, err error) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
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

func MissingFieldError(field string) *AppError {
	return NewWithStatus(ErrCodeMissingField, fmt.Sprintf("Missing required field: %s", field), http.StatusBadRequest)
}

// Authentication errors
func UnauthorizedError(message string) *AppError {
	return NewWithStatus(ErrCodeUnauthorized, message, http.StatusUnauthorized)
}

func InvalidTokenError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidToken, message, http.StatusUnauthorized)
}

func ExpiredTokenError() *AppError {
	return NewWithStatus(ErrCodeExpiredToken, "Token has expired", http.StatusUnauthorized)
}

// Permission errors
func ForbiddenError(message string) *AppError {
	return NewWithStatus(ErrCodeForbidden, message, http.StatusForbidden)
}

func NotParticipantError(conversationID string) *AppError {
	return NewWithStatus(ErrCodeNotParticipant, fmt.Sprintf("not a participant of %s", conversationID), http.StatusForbidden)
}

// Not found errors
func NotFoundError(resource string) *AppError {
	return NewWithStatus(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func ConversationNotFoundError() *AppError {
	return NewWithStatus(ErrCodeConversationNotFound, "Conversation not found", http.StatusNotFound)
}

func CallNotFoundError() *AppError {
	return NewWithStatus(ErrCodeCallNotFound, "Call not found", http.StatusNotFound)
}

// Conflict errors
func ConflictError(message string) *AppError {
	return NewWithStatus(ErrCodeConflict, message, http.StatusConflict)
}

func ChannelBusyError(channelID string) *AppError {
	return NewWithStatus(ErrCodeChannelBusy, fmt.Sprintf("channel %s already has a call in progress", channelID), http.StatusConflict)
}

func ConversationClosedError() *AppError {
	return NewWithStatus(ErrCodeConversationClosed, "Conversation is closed", http.StatusConflict)
}

func InvalidTransitionError(message string) *AppError {
	return NewWithStatus(ErrCodeInvalidTransition, message, http.StatusConflict)
}

// Transfer errors
func UploadNetworkError(err error) *AppError {
	return WrapWithStatus(ErrCodeUploadNetwork, "Upload interrupted", http.StatusBadGateway, err)
}

func QuotaExceededError(message string) *AppError {
	return NewWithStatus(ErrCodeQuotaExceeded, message, http.StatusRequestEntityTooLarge)
}

func UnsupportedTypeError(mime string) *AppError {
	return NewWithStatus(ErrCodeUnsupportedType, fmt.Sprintf("unsupported file type %s", mime), http.StatusUnsupportedMediaType)
}

func UploadCancelledError() *AppError {
	return NewWithStatus(ErrCodeUploadCancelled, "Upload cancelled", http.StatusRequestTimeout)
}

// Media layer errors
func MediaLayerError(err error) *AppError {
	return WrapWithStatus(ErrCodeMediaLayer, "Media connection failed", http.StatusBadGateway, err)
}

func CallSetupFailedError(err error) *AppError {
	return WrapWithStatus(ErrCodeCallSetupFailed, "Call could not be set up", http.StatusBadGateway, err)
}

// Transient errors
func TransientError(err error) *AppError {
	return WrapWithStatus(ErrCodeTransient, "Temporary failure", http.StatusServiceUnavailable, err)
}

// Internal errors
func InternalError(message string) *AppError {
	return NewWithStatus(ErrCodeInternal, message, http.StatusInternalServerError)
}

func DatabaseError(err error) *AppError {
	return WrapWithStatus(ErrCodeDatabase, "Database error", http.StatusInternalServerError, err)
}

func StorageError(err error) *AppError {
	return WrapWithStatus(ErrCodeStorage, "Storage error", http.StatusInternalServerError, err)
}

func TranslationError(err error) *AppError {
	return WrapWithStatus(ErrCodeTranslation, "Translation failed", http.StatusBadGateway, err)
}

func ServiceUnavailableError(message string) *AppError {
	return NewWithStatus(ErrCodeServiceUnavail, message, http.StatusServiceUnavailable)
}

// IsAppError checks if an error chain contains an AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// GetAppError extracts AppError from an error, wrapping non-AppErrors as InternalError
func GetAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return InternalError(err.Error())
}

// HasCode reports whether any AppError in the chain carries code.
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}

// IsRetryable reports whether the error belongs to the transient class.
func IsRetryable(err error) bool {
	return HasCode(err, ErrCodeTransient) ||
		HasCode(err, ErrCodeUploadNetwork) ||
		HasCode(err, ErrCodeDatabase) ||
		HasCode(err, ErrCodeServiceUnavail)
}
