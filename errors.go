package autoflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes used for classification and matching. Codes are stable
// strings so they can be matched by external callers and serialized into
// execution records.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeWorkflowNotFound = "WORKFLOW_NOT_FOUND"
	ErrCodeNoStartNode      = "NO_START_NODE"
	ErrCodeExecutorNotFound = "NODE_EXECUTOR_NOT_FOUND"
	ErrCodeNodeFailed       = "NODE_EXECUTION_FAILED"
	ErrCodeNodeTimeout      = "NODE_TIMEOUT"
	ErrCodeTrigger          = "TRIGGER_ERROR"
)

// WorkflowError is a structured error with a stable code, an optional
// node or field reference, and a retryable flag that drives the
// scheduler's job-level retry policy. It supports Go's error wrapping
// patterns with Unwrap().
type WorkflowError struct {
	Code       string   `json:"code"`
	Message    string   `json:"message"`
	NodeID     string   `json:"node_id,omitempty"`
	Field      string   `json:"field,omitempty"`
	Retryable  bool     `json:"retryable"`
	Violations []string `json:"violations,omitempty"`
	Wrapped    error    `json:"-"`
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: %s (node %q)", e.Code, e.Message, e.NodeID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap implements the error unwrapping interface for errors.Is and errors.As
func (e *WorkflowError) Unwrap() error {
	return e.Wrapped
}

// NewWorkflowError creates a WorkflowError with the given code and message.
func NewWorkflowError(code, message string) *WorkflowError {
	return &WorkflowError{Code: code, Message: message}
}

// NewNodeError creates an execution-time error that always carries the
// failing node's ID.
func NewNodeError(nodeID, message string, retryable bool) *WorkflowError {
	return &WorkflowError{
		Code:      ErrCodeNodeFailed,
		Message:   message,
		NodeID:    nodeID,
		Retryable: retryable,
	}
}

// NewTriggerError creates a trigger registration or firing error.
func NewTriggerError(message string, wrapped error) *WorkflowError {
	return &WorkflowError{
		Code:    ErrCodeTrigger,
		Message: message,
		Wrapped: wrapped,
	}
}

// NewValidationError creates a definition-time error carrying the
// offending field.
func NewValidationError(field, message string) *WorkflowError {
	return &WorkflowError{
		Code:    ErrCodeValidation,
		Message: message,
		Field:   field,
	}
}

// NewValidationErrors creates a single collect-all validation error from
// the full list of violations found in a definition.
func NewValidationErrors(violations []string) *WorkflowError {
	return &WorkflowError{
		Code:       ErrCodeValidation,
		Message:    "workflow validation failed: " + strings.Join(violations, "; "),
		Violations: violations,
	}
}

// NewTimeoutError creates the error recorded when a node exceeds its
// execution deadline. Timeouts are retryable at the job level.
func NewTimeoutError(nodeID string, timeout time.Duration) *WorkflowError {
	return &WorkflowError{
		Code:      ErrCodeNodeTimeout,
		Message:   fmt.Sprintf("node execution exceeded %s deadline", timeout),
		NodeID:    nodeID,
		Retryable: true,
		Wrapped:   context.DeadlineExceeded,
	}
}

// ClassifyError converts an arbitrary error into a WorkflowError. Errors
// that already are WorkflowErrors pass through unchanged; timeouts are
// recognized by wrapped context errors or message patterns; everything
// else defaults to a retryable node execution failure, so unknown errors
// are retried by default.
func ClassifyError(err error) *WorkflowError {
	var wErr *WorkflowError
	if errors.As(err, &wErr) {
		return wErr
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(strings.ToLower(err.Error()), "timeout") {
		return &WorkflowError{
			Code:      ErrCodeNodeTimeout,
			Message:   err.Error(),
			Retryable: true,
			Wrapped:   err,
		}
	}
	if errors.Is(err, context.Canceled) {
		// Cancellation is intentional, never retried
		return &WorkflowError{
			Code:    ErrCodeNodeFailed,
			Message: err.Error(),
			Wrapped: err,
		}
	}
	return &WorkflowError{
		Code:      ErrCodeNodeFailed,
		Message:   err.Error(),
		Retryable: true,
		Wrapped:   err,
	}
}

// IsRetryable reports whether the scheduler may retry a job that failed
// with this error.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).Retryable
}

// HasCode reports whether err carries the given workflow error code.
func HasCode(err error, code string) bool {
	var wErr *WorkflowError
	if errors.As(err, &wErr) {
		return wErr.Code == code
	}
	return false
}
