package errors

import (
	"net/http"

	"github.com/go-chi/render"
)

// Error codes carried in the error_code extension of request errors
const (
	CodeInvalidRequest    = "INVALID_REQUEST"
	CodeValidationFailed  = "VALIDATION_FAILED"
	CodeInvalidDescriptor = "INVALID_DESCRIPTOR"
	CodeInvalidJSON       = "INVALID_JSON"
)

// APIError is a request-level error with a fixed HTTP status. Handlers
// return it for problems with the request itself; failures of the report
// pipeline use AppError and the script error types.
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Render implements render.Renderer
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// FieldError describes one invalid request field
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// New creates an APIError without details
func New(statusCode int, errorCode, message string) *APIError {
	return NewWithDetails(statusCode, errorCode, message, nil)
}

// NewWithDetails creates an APIError with details attached
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// InvalidRequestWithError reports a body or query that could not be decoded
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeInvalidRequest, "Invalid request format", err.Error())
}

// InvalidDescriptor reports a report descriptor upload that does not parse
func InvalidDescriptor(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeInvalidDescriptor, "Invalid report descriptor", err.Error())
}

// ErrValidation reports a single invalid field
func ErrValidation(field, message string) *APIError {
	return NewFieldErrors([]FieldError{{Field: field, Message: message}})
}

// NewFieldErrors reports several invalid fields at once
func NewFieldErrors(errs []FieldError) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeValidationFailed, "Request validation failed", errs)
}
