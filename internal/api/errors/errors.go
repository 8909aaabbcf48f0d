// Package errors provides structured error types and response helpers for the API.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"runtime"

	"github.com/narvanalabs/mpi-allocator/internal/allocator"
	"github.com/narvanalabs/mpi-allocator/internal/auth"
	"github.com/narvanalabs/mpi-allocator/internal/nodepool"
)

// Error codes for structured API responses.
const (
	CodeValidationError    = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeUnauthorized       = "UNAUTHORIZED"
	CodeForbidden          = "FORBIDDEN"
	CodeInternalError      = "INTERNAL_ERROR"
	CodeConflict           = "CONFLICT"
	CodeIncompatible       = "INCOMPATIBLE"
	CodeUnavailable        = "UNAVAILABLE"
	CodeProvisioningFailed = "PROVISIONING_FAILED"
)

// APIError represents a structured API error response.
type APIError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WithDetails returns a copy of the error with additional details.
func (e *APIError) WithDetails(details map[string]any) *APIError {
	return &APIError{
		Code:      e.Code,
		Message:   e.Message,
		Details:   details,
		RequestID: e.RequestID,
	}
}

// WithRequestID returns a copy of the error with the request ID set.
func (e *APIError) WithRequestID(requestID string) *APIError {
	return &APIError{
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
		RequestID: requestID,
	}
}

// New creates a new APIError with the given code and message.
func New(code, message string) *APIError {
	return &APIError{
		Code:    code,
		Message: message,
	}
}

// NewValidationError creates a validation error.
func NewValidationError(message string) *APIError {
	return New(CodeValidationError, message)
}

// NewNotFoundError creates a not found error.
func NewNotFoundError(message string) *APIError {
	return New(CodeNotFound, message)
}

// NewUnauthorizedError creates an unauthorized error.
func NewUnauthorizedError(message string) *APIError {
	return New(CodeUnauthorized, message)
}

// NewForbiddenError creates a forbidden error.
func NewForbiddenError(message string) *APIError {
	return New(CodeForbidden, message)
}

// NewInternalError creates an internal server error.
func NewInternalError(message string) *APIError {
	return New(CodeInternalError, message)
}

// NewConflictError creates a conflict error.
func NewConflictError(message string) *APIError {
	return New(CodeConflict, message)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *APIError) HTTPStatusCode() int {
	switch e.Code {
	case CodeValidationError:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeUnauthorized:
		return http.StatusUnauthorized
	case CodeForbidden:
		return http.StatusForbidden
	case CodeConflict:
		return http.StatusConflict
	case CodeIncompatible:
		return http.StatusUnprocessableEntity
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	case CodeProvisioningFailed:
		return http.StatusBadGateway
	case CodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// FromError maps allocator and auth errors onto API errors. Anything
// unrecognized becomes an internal error without leaking its text.
func FromError(err error) *APIError {
	var (
		incompatible *allocator.IncompatibleError
		conflict     *nodepool.ConflictError
		unavailable  *nodepool.UnavailableError
		capacity     *allocator.CapacityError
	)

	switch {
	case err == nil:
		return nil
	case stderrors.Is(err, auth.ErrUnauthenticated):
		return NewUnauthorizedError("Authentication required")
	case stderrors.Is(err, auth.ErrPermissionDenied):
		return NewForbiddenError("Permission denied")
	case stderrors.Is(err, allocator.ErrHandleNotFound):
		return NewNotFoundError("Server handle not found")
	case stderrors.As(err, &incompatible):
		return New(CodeIncompatible, err.Error()).WithDetails(map[string]any{
			"key":       incompatible.Key,
			"transient": incompatible.Transient,
		})
	case stderrors.As(err, &conflict):
		return NewConflictError(err.Error()).WithDetails(map[string]any{
			"hosts": conflict.Hosts,
		})
	case stderrors.Is(err, allocator.ErrConflict):
		return NewConflictError(err.Error())
	case stderrors.As(err, &capacity):
		return New(CodeUnavailable, err.Error()).WithDetails(map[string]any{
			"want":      capacity.Want,
			"capacity":  capacity.Capacity,
			"transient": false,
		})
	case stderrors.As(err, &unavailable):
		return New(CodeUnavailable, err.Error()).WithDetails(map[string]any{
			"want": unavailable.Want,
			"have": unavailable.Have,
		})
	case stderrors.Is(err, allocator.ErrUnavailable):
		return New(CodeUnavailable, err.Error())
	case stderrors.Is(err, allocator.ErrProvisioning):
		return New(CodeProvisioningFailed, err.Error())
	default:
		return NewInternalError("An unexpected error occurred")
	}
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// WriteError writes an APIError as a JSON response.
func WriteError(w http.ResponseWriter, err *APIError) {
	WriteJSON(w, err.HTTPStatusCode(), err)
}

// WriteErrorWithRequestID writes an APIError with the request ID set.
func WriteErrorWithRequestID(w http.ResponseWriter, err *APIError, requestID string) {
	WriteError(w, err.WithRequestID(requestID))
}

// GetStackTrace returns the current stack trace as a string.
func GetStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// ErrorLogEntry represents a structured error log entry.
type ErrorLogEntry struct {
	CorrelationID string `json:"correlation_id"`
	ErrorCode     string `json:"error_code"`
	Message       string `json:"message"`
	StackTrace    string `json:"stack_trace"`
}

// NewErrorLogEntry creates a new error log entry with all required fields.
func NewErrorLogEntry(correlationID, errorCode, message string) *ErrorLogEntry {
	return &ErrorLogEntry{
		CorrelationID: correlationID,
		ErrorCode:     errorCode,
		Message:       message,
		StackTrace:    GetStackTrace(),
	}
}
