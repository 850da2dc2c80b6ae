package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Graph and execution error codes
const (
	ErrGraphValidation    ErrorCode = "GRAPH_VALIDATION"
	ErrInvalidTransition  ErrorCode = "INVALID_TRANSITION"
	ErrNodeExecution      ErrorCode = "NODE_EXECUTION"
	ErrLoopLimitExceeded  ErrorCode = "LOOP_LIMIT_EXCEEDED"
	ErrWorkflowNotBuilt   ErrorCode = "WORKFLOW_NOT_BUILT"
	ErrCheckpointNotFound ErrorCode = "CHECKPOINT_NOT_FOUND"
	ErrCheckpointMismatch ErrorCode = "CHECKPOINT_MISMATCH"
	ErrDefinitionInvalid  ErrorCode = "DEFINITION_INVALID"
	ErrTimeout            ErrorCode = "TIMEOUT"
	ErrInternalError      ErrorCode = "INTERNAL_ERROR"
	ErrServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrInvalidRequest     ErrorCode = "INVALID_REQUEST"
)

// Resilience error codes
const (
	ErrRetryAborted  ErrorCode = "RETRY_ABORTED"
	ErrCircuitOpen   ErrorCode = "CIRCUIT_OPEN"
	ErrCompensation  ErrorCode = "COMPENSATION_FAILED"
	ErrDuplicateCall ErrorCode = "DUPLICATE_CALL"
	ErrStoreClosed   ErrorCode = "STORE_CLOSED"
	ErrStoreNotFound ErrorCode = "STORE_NOT_FOUND"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Node      string    `json:"node,omitempty"`
	Cause     error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WithNode sets the node the error originated from.
func (e *Error) WithNode(node string) *Error {
	e.Node = node
	return e
}

// AsError extracts a *Error from anywhere in the chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// IsErrorCode reports whether err carries the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}
