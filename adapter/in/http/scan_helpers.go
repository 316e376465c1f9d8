package http

import (
	"errors"
	"time"

	"scan_server/pkg/apperr"
	"scan_server/pkg/logger"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
)

var ErrUnauthorized = errors.New("unauthorized")

// GetUserID safely extracts user_id from fiber context
// Returns error if not authenticated
func GetUserID(c *fiber.Ctx) (uuid.UUID, error) {
	userIDVal := c.Locals("user_id")
	if userIDVal == nil {
		return uuid.Nil, ErrUnauthorized
	}
	userID, ok := userIDVal.(uuid.UUID)
	if !ok {
		return uuid.Nil, ErrUnauthorized
	}
	return userID, nil
}

// =============================================================================
// Standardized Error Response Helpers
// =============================================================================

// APIResponse represents a standard API response
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	RequestID string      `json:"request_id,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// APIError represents a standard API error
type APIError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// ErrorResponse sends a standardized JSON error response
func ErrorResponse(c *fiber.Ctx, status int, message string) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(status).JSON(APIResponse{
		Success:   false,
		Error:     &APIError{Code: mapStatusToCode(status), Message: message},
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// ErrorResponseWithCode sends a standardized error response with custom code
func ErrorResponseWithCode(c *fiber.Ctx, status int, code, message string) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(status).JSON(APIResponse{
		Success:   false,
		Error:     &APIError{Code: code, Message: message},
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// AppErrorResponse handles apperr.AppError and returns appropriate response
func AppErrorResponse(c *fiber.Ctx, err error) error {
	appErr := apperr.AsAppError(err)
	requestID, _ := c.Locals("request_id").(string)
	return c.Status(appErr.Status).JSON(APIResponse{
		Success:   false,
		Error:     &APIError{Code: appErr.Code, Message: appErr.Message, Details: appErr.Details},
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// InternalErrorResponse returns a safe 500 error without exposing internal details.
// The error is logged with context but only a generic message is returned to the client.
func InternalErrorResponse(c *fiber.Ctx, err error, operation string) error {
	logger.WithError(err).WithField("operation", operation).Error("internal error")
	return ErrorResponseWithCode(c, 500, apperr.CodeInternalError, operation+" failed")
}

// SuccessResponse sends a standardized JSON success response
func SuccessResponse(c *fiber.Ctx, data any) error {
	requestID, _ := c.Locals("request_id").(string)
	return c.JSON(APIResponse{
		Success:   true,
		Data:      data,
		RequestID: requestID,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// mapStatusToCode maps HTTP status to error code
func mapStatusToCode(status int) string {
	switch status {
	case 400:
		return apperr.CodeBadRequest
	case 401:
		return apperr.CodeMissingBearerToken
	case 403:
		return apperr.CodeForbidden
	case 404:
		return apperr.CodeNotFound
	case 409:
		return apperr.CodeConflict
	case 503:
		return apperr.CodeQueueUnavailable
	case 500:
		return apperr.CodeInternalError
	default:
		return "unknown_error"
	}
}
