package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes
const (
	// Auth errors
	CodeMissingBearerToken = "missing_bearer_token"
	CodeInvalidToken       = "invalid_token"
	CodeForbidden          = "forbidden"

	// Validation errors
	CodeBadRequest   = "bad_request"
	CodeInvalidInput = "invalid_input"
	CodeMissingField = "missing_field"

	// Resource errors
	CodeNotFound = "not_found"
	CodeConflict = "conflict"

	// Infrastructure errors
	CodeQueueUnavailable = "queue_unavailable"
	CodeDatabaseError    = "database_error"
	CodeInternalError    = "internal_error"

	// Scan pipeline errors (closed set, mirrored into session.errorCode)
	CodeMissingToken         = "MISSING_TOKEN"
	CodeTokenBootstrapFailed = "TOKEN_BOOTSTRAP_FAILED"
	CodeSessionCreateFailed  = "SESSION_CREATE_FAILED"
	CodeQueueEnqueueFailed   = "QUEUE_ENQUEUE_FAILED"
	CodeUnsupportedProvider  = "UNSUPPORTED_PROVIDER"
	CodeChunkError           = "CHUNK_ERROR"
	CodeDeadline             = "DEADLINE"
	CodeGmailListFailed      = "GMAIL_LIST_FAILED"
	CodeAuthFailed           = "AUTH_FAILED"
	CodeNeedsAppPassword     = "NEEDS_APP_PASSWORD"
	CodeNetworkError         = "NETWORK_ERROR"
	CodeUnknown              = "UNKNOWN"
)

// AppError represents a structured application error
type AppError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Status  int            `json:"-"`
	Details map[string]any `json:"details,omitempty"`
	Err     error          `json:"-"`
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

func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

func (e *AppError) WithError(err error) *AppError {
	e.Err = err
	return e
}

// HTTPStatus returns the HTTP status code
func (e *AppError) HTTPStatus() int {
	return e.Status
}

// Constructor functions
func New(code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
	}
}

func Wrap(err error, code, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Err:     err,
	}
}

// Auth errors
func MissingBearerToken() *AppError {
	return &AppError{
		Code:    CodeMissingBearerToken,
		Message: "missing bearer token",
		Status:  http.StatusUnauthorized,
	}
}

func InvalidToken(message string) *AppError {
	if message == "" {
		message = "invalid token"
	}
	return &AppError{
		Code:    CodeInvalidToken,
		Message: message,
		Status:  http.StatusUnauthorized,
	}
}

func Forbidden(message string) *AppError {
	if message == "" {
		message = "forbidden"
	}
	return &AppError{
		Code:    CodeForbidden,
		Message: message,
		Status:  http.StatusForbidden,
	}
}

// Validation errors
func BadRequest(message string) *AppError {
	return &AppError{
		Code:    CodeBadRequest,
		Message: message,
		Status:  http.StatusBadRequest,
	}
}

func InvalidInput(field, reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidInput,
		Message: fmt.Sprintf("invalid input for '%s': %s", field, reason),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

func MissingField(field string) *AppError {
	return &AppError{
		Code:    CodeMissingField,
		Message: fmt.Sprintf("missing required field: %s", field),
		Status:  http.StatusBadRequest,
		Details: map[string]any{"field": field},
	}
}

// Resource errors
func NotFound(resource string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s not found", resource),
		Status:  http.StatusNotFound,
	}
}

func Conflict(message string) *AppError {
	return &AppError{
		Code:    CodeConflict,
		Message: message,
		Status:  http.StatusConflict,
	}
}

// Infrastructure errors
func QueueUnavailable(err error) *AppError {
	return &AppError{
		Code:    CodeQueueUnavailable,
		Message: "job queue unavailable",
		Status:  http.StatusServiceUnavailable,
		Err:     err,
	}
}

func DatabaseError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeDatabaseError,
		Message: fmt.Sprintf("database error: %s", operation),
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Scan pipeline errors
func MissingToken(provider string) *AppError {
	return &AppError{
		Code:    CodeMissingToken,
		Message: "no usable token for mailbox",
		Status:  http.StatusBadRequest,
		Details: map[string]any{"provider": provider},
	}
}

func UnsupportedProvider(provider string) *AppError {
	return &AppError{
		Code:    CodeUnsupportedProvider,
		Message: fmt.Sprintf("unsupported provider: %s", provider),
		Status:  http.StatusBadRequest,
	}
}

func AuthFailed(provider string, err error) *AppError {
	return &AppError{
		Code:    CodeAuthFailed,
		Message: fmt.Sprintf("mailbox auth failed for %s", provider),
		Status:  http.StatusUnauthorized,
		Details: map[string]any{"provider": provider},
		Err:     err,
	}
}

func NeedsAppPassword() *AppError {
	return &AppError{
		Code:    CodeNeedsAppPassword,
		Message: "provider requires an app-specific password",
		Status:  http.StatusUnauthorized,
	}
}

func NetworkError(operation string, err error) *AppError {
	return &AppError{
		Code:    CodeNetworkError,
		Message: fmt.Sprintf("network error: %s", operation),
		Status:  http.StatusBadGateway,
		Err:     err,
	}
}

func GmailListFailed(err error) *AppError {
	return &AppError{
		Code:    CodeGmailListFailed,
		Message: "gmail message listing failed",
		Status:  http.StatusBadGateway,
		Err:     err,
	}
}

func ChunkError(err error) *AppError {
	return &AppError{
		Code:    CodeChunkError,
		Message: "chunk processing failed",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

func Deadline(operation string) *AppError {
	return &AppError{
		Code:    CodeDeadline,
		Message: fmt.Sprintf("operation timed out: %s", operation),
		Status:  http.StatusGatewayTimeout,
	}
}

// Internal errors
func Internal(message string) *AppError {
	if message == "" {
		message = "internal server error"
	}
	return &AppError{
		Code:    CodeInternalError,
		Message: message,
		Status:  http.StatusInternalServerError,
	}
}

func InternalWithError(err error) *AppError {
	return &AppError{
		Code:    CodeInternalError,
		Message: "internal server error",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// Common error instances
var (
	ErrNotFound   = NotFound("resource")
	ErrForbidden  = Forbidden("")
	ErrBadRequest = BadRequest("bad request")
	ErrInternal   = Internal("")
)

// Helper functions
func IsAppError(err error) bool {
	var appErr *AppError
	return errors.As(err, &appErr)
}

func AsAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return InternalWithError(err)
}

// Code extracts the error code, or empty when err carries none.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
