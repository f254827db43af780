// Package errors provides the standardized error taxonomy of the workflow control plane.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

const (
	// Archive errors fail fast; nothing has been registered yet.
	ErrCodeDownloadFailed       ErrorCode = "DOWNLOAD_ERROR"
	ErrCodeInvalidSpecification ErrorCode = "INVALID_SPECIFICATION"

	ErrCodeRegistrationFailed     ErrorCode = "REGISTRATION_FAILED"
	ErrCodeNodeRegistration       ErrorCode = "NODE_REGISTRATION_FAILED"
	ErrCodeTaskCancelled          ErrorCode = "TASK_CANCELLED"
	ErrCodeRollbackFailed         ErrorCode = "ROLLBACK_FAILED"
	ErrCodeWorkflowNotFound       ErrorCode = "WORKFLOW_NOT_FOUND"
	ErrCodeInternalExecution      ErrorCode = "INTERNAL_EXECUTION_ERROR"
	ErrCodeModelNotFound          ErrorCode = "MODEL_NOT_FOUND"
	ErrCodeModelVersionNotFound   ErrorCode = "MODEL_VERSION_NOT_FOUND"
	ErrCodeModelServerUnavailable ErrorCode = "MODEL_SERVER_UNAVAILABLE"
	ErrCodeModelServerTimeout     ErrorCode = "MODEL_SERVER_TIMEOUT"
	ErrCodeInternal               ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	cause     error
}

func (e *StandardError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("StandardError[%s]: %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// Unwrap exposes the underlying cause so errors.Is keeps working through a StandardError.
func (e *StandardError) Unwrap() error {
	return e.cause
}

// WithMetadata attaches a key to the error metadata and returns the same error.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	e.Metadata[key] = value
	return e
}

func newError(code ErrorCode, message, details string, retryable bool, cause error) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
		cause:     cause,
	}
}

func detailsOf(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ==========================
// 2. Error Constructors
// ==========================

// NewDownloadFailedError is returned when a workflow package cannot be fetched.
func NewDownloadFailedError(url string, err error) *StandardError {
	return newError(ErrCodeDownloadFailed, "Failed to download workflow archive file",
		fmt.Sprintf("url: %s, error: %s", url, detailsOf(err)), false, err).
		WithMetadata("url", url)
}

// NewInvalidSpecificationError covers parse, validation and DAG-shape failures.
func NewInvalidSpecificationError(details string, err error) *StandardError {
	if err != nil {
		details = fmt.Sprintf("%s: %s", details, err.Error())
	}
	return newError(ErrCodeInvalidSpecification, "Invalid workflow specification", details, false, err)
}

// NewRegistrationFailedError is the generic failure for unexpected orchestration errors.
func NewRegistrationFailedError(err error) *StandardError {
	return newError(ErrCodeRegistrationFailed, "Failed to register workflow", detailsOf(err), false, err)
}

// NewNodeRegistrationError describes one node that the backend refused or never answered.
func NewNodeRegistrationError(modelName string, err error) *StandardError {
	return newError(ErrCodeNodeRegistration,
		fmt.Sprintf("Workflow Node %s failed to register.", modelName), detailsOf(err), true, err).
		WithMetadata("model", modelName)
}

// NewTaskCancelledError marks a node task skipped after a sibling failed.
func NewTaskCancelledError(nodeName string) *StandardError {
	return newError(ErrCodeTaskCancelled, "Node registration cancelled",
		fmt.Sprintf("node: %s", nodeName), false, nil)
}

// NewRollbackFailedError is logged, never surfaced to callers.
func NewRollbackFailedError(modelName string, err error) *StandardError {
	return newError(ErrCodeRollbackFailed,
		fmt.Sprintf("Could not unregister workflow model: %s", modelName), detailsOf(err), true, err)
}

// NewWorkflowNotFoundError reports an unknown workflow name.
func NewWorkflowNotFoundError(name string) *StandardError {
	return newError(ErrCodeWorkflowNotFound, fmt.Sprintf("Workflow not found: %s", name), "", false, nil).
		WithMetadata("workflow", name)
}

// NewInternalExecutionError reports a workflow run that produced no usable output.
func NewInternalExecutionError(details string, err error) *StandardError {
	if details == "" {
		details = detailsOf(err)
	}
	return newError(ErrCodeInternalExecution, "Workflow inference failed!", details, false, err)
}

// NewModelNotFoundError is returned by the model server client on 404 for a model.
func NewModelNotFoundError(modelName string) *StandardError {
	return newError(ErrCodeModelNotFound, fmt.Sprintf("Model not found: %s", modelName), "", false, nil)
}

// NewModelVersionNotFoundError is returned when the model exists but the version does not.
func NewModelVersionNotFoundError(modelName, version string) *StandardError {
	return newError(ErrCodeModelVersionNotFound,
		fmt.Sprintf("Model version not found: %s/%s", modelName, version), "", false, nil)
}

// NewExternalServiceError wraps transport failures talking to a backend.
func NewExternalServiceError(service string, err error) *StandardError {
	return newError(ErrCodeModelServerUnavailable, fmt.Sprintf("%s unavailable", service), detailsOf(err), true, err)
}

// NewTimeoutError wraps deadline failures talking to a backend.
func NewTimeoutError(service string, err error) *StandardError {
	return newError(ErrCodeModelServerTimeout, fmt.Sprintf("%s timeout", service), detailsOf(err), true, err)
}

// NewInternalError is used when nothing more specific applies.
func NewInternalError(err error) *StandardError {
	return newError(ErrCodeInternal, "Unexpected error", detailsOf(err), false, err)
}

// ==========================
// 3. Utility Functions
// ==========================

// As returns the StandardError inside err, if any.
func As(err error) (*StandardError, bool) {
	var stdErr *StandardError
	if stderrors.As(err, &stdErr) {
		return stdErr, true
	}
	return nil, false
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code ErrorCode) bool {
	stdErr, ok := As(err)
	return ok && stdErr.Code == code
}

// HTTPStatus maps an error code onto the status class reported to callers.
func HTTPStatus(code ErrorCode) int {
	switch code {
	case ErrCodeDownloadFailed, ErrCodeInvalidSpecification, ErrCodeRegistrationFailed:
		return http.StatusBadRequest
	case ErrCodeWorkflowNotFound, ErrCodeModelNotFound, ErrCodeModelVersionNotFound:
		return http.StatusNotFound
	case ErrCodeModelServerUnavailable:
		return http.StatusServiceUnavailable
	case ErrCodeModelServerTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	switch code {
	case ErrCodeNodeRegistration, ErrCodeRollbackFailed, ErrCodeModelServerUnavailable, ErrCodeModelServerTimeout:
		return true
	}
	return false
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	switch {
	case code == ErrCodeDownloadFailed || code == ErrCodeInvalidSpecification:
		return "ARCHIVE"
	case code == ErrCodeWorkflowNotFound:
		return "LOOKUP"
	case strings.HasPrefix(string(code), "MODEL_"):
		return "BACKEND"
	case code == ErrCodeNodeRegistration || code == ErrCodeTaskCancelled ||
		code == ErrCodeRollbackFailed || code == ErrCodeRegistrationFailed:
		return "REGISTRATION"
	case code == ErrCodeInternalExecution:
		return "EXECUTION"
	default:
		return "INTERNAL"
	}
}
