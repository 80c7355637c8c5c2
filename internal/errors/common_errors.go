package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorType represents the type of error
type ErrorType string

const (
	ErrTypeValidation     ErrorType = "VALIDATION"
	ErrTypeExecution      ErrorType = "EXECUTION"
	ErrTypeInfrastructure ErrorType = "INFRASTRUCTURE"
	ErrTypeStorage        ErrorType = "STORAGE"
	ErrTypeNotFound       ErrorType = "NOT_FOUND"
	ErrTypeConfig         ErrorType = "CONFIG"
)

// AppError represents an application-specific error
type AppError struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]interface{}
}

// Error implements the error interface
func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

// Unwrap allows errors.Is and errors.As to work with AppError
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithContext adds context to the error
func (e *AppError) WithContext(key string, value interface{}) *AppError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// NewAppError creates a new application error
func NewAppError(errType ErrorType, message string, cause error) *AppError {
	return &AppError{
		Type:    errType,
		Message: message,
		Cause:   cause,
		Context: make(map[string]interface{}),
	}
}

// NewStorageError creates a storage-related error
func NewStorageError(message string, cause error) *AppError {
	return NewAppError(ErrTypeStorage, message, cause)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(resource string) *AppError {
	return NewAppError(ErrTypeNotFound, fmt.Sprintf("%s not found", resource), nil)
}

// NewConfigError creates a configuration error
func NewConfigError(message string, cause error) *AppError {
	return NewAppError(ErrTypeConfig, message, cause)
}

// NewInfrastructureError reports a deployment-level failure such as an
// unwritable temp directory. These are not handled at the report boundary.
func NewInfrastructureError(message string, cause error) *AppError {
	return NewAppError(ErrTypeInfrastructure, message, cause)
}

// IsInfrastructure reports whether err is an infrastructure failure
func IsInfrastructure(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr) && appErr.Type == ErrTypeInfrastructure
}

// IsNotFound reports whether err is a not-found failure
func IsNotFound(err error) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) && appErr.Type == ErrTypeNotFound {
		return true
	}
	var apiErr *APIError
	return stderrors.As(err, &apiErr) && apiErr.StatusCode == 404
}

// ScriptValidationError carries every problem found in a script before it runs
type ScriptValidationError struct {
	Messages []string
}

// NewScriptValidationError creates a validation error from a list of messages
func NewScriptValidationError(messages []string) *ScriptValidationError {
	return &ScriptValidationError{Messages: messages}
}

// Error implements the error interface
func (e *ScriptValidationError) Error() string {
	return strings.Join(e.Messages, "\n")
}

// ScriptExecutionError wraps a failed engine evaluation, process launch or
// remote call together with whatever the error stream captured.
type ScriptExecutionError struct {
	Engine  string
	Message string
	Stderr  string
	Cause   error
}

// NewScriptExecutionError creates an execution error
func NewScriptExecutionError(engine, message string, cause error) *ScriptExecutionError {
	return &ScriptExecutionError{Engine: engine, Message: message, Cause: cause}
}

// WithStderr attaches captured error output
func (e *ScriptExecutionError) WithStderr(stderr string) *ScriptExecutionError {
	e.Stderr = stderr
	return e
}

// Error implements the error interface
func (e *ScriptExecutionError) Error() string {
	var b strings.Builder
	if e.Engine != "" {
		b.WriteString(e.Engine)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	if e.Stderr != "" {
		b.WriteString("\n")
		b.WriteString(e.Stderr)
	}
	return b.String()
}

// Unwrap returns the underlying cause
func (e *ScriptExecutionError) Unwrap() error {
	return e.Cause
}

// IsScriptError reports whether err is a validation or execution failure,
// the two kinds that are rendered inline rather than propagated.
func IsScriptError(err error) bool {
	var v *ScriptValidationError
	var x *ScriptExecutionError
	return stderrors.As(err, &v) || stderrors.As(err, &x)
}
