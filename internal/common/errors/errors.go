// Package errors provides custom error types for the Hyperagent application.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error codes as constants
const (
	ErrCodeInvalidPlan         = "INVALID_PLAN"
	ErrCodeProjectNotFound     = "PROJECT_NOT_FOUND"
	ErrCodeWorkflowNotFound    = "WORKFLOW_NOT_FOUND"
	ErrCodeStepNotFound        = "STEP_NOT_FOUND"
	ErrCodePullRequestNotFound = "PULL_REQUEST_NOT_FOUND"
	ErrCodeWrongWorkflow       = "WRONG_WORKFLOW"
	ErrCodeStepNotRunning      = "STEP_NOT_RUNNING"
	ErrCodeNoLease             = "NO_LEASE"
	ErrCodeLeaseMismatch       = "LEASE_MISMATCH"
	ErrCodeEnqueueFailure      = "ENQUEUE_FAILURE"
	ErrCodePolicyRejected      = "POLICY_REJECTED"
	ErrCodeExecutorFailure     = "EXECUTOR_FAILURE"
	ErrCodeSessionFailure      = "SESSION_FAILURE"
	ErrCodeStoreIOFailure      = "STORE_IO_FAILURE"
	ErrCodeBadRequest          = "BAD_REQUEST"
	ErrCodeUnauthorized        = "UNAUTHORIZED"
	ErrCodeConflict            = "CONFLICT"
	ErrCodeInternalError       = "INTERNAL_ERROR"
	ErrCodeValidationError     = "VALIDATION_ERROR"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	HTTPStatus int    `json:"http_status"`
	Err        error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// InvalidPlan creates an error for a planner run that cannot be materialized
// (duplicate task ids, unknown dependency targets, or dependency cycles).
func InvalidPlan(message string) *AppError {
	return &AppError{
		Code:       ErrCodeInvalidPlan,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// ProjectNotFound creates an error for a reference to an unknown project.
func ProjectNotFound(id string) *AppError {
	return &AppError{
		Code:       ErrCodeProjectNotFound,
		Message:    fmt.Sprintf("project with id '%s' not found", id),
		HTTPStatus: http.StatusNotFound,
	}
}

// WorkflowNotFound creates an error for a reference to an unknown workflow.
func WorkflowNotFound(id string) *AppError {
	return &AppError{
		Code:       ErrCodeWorkflowNotFound,
		Message:    fmt.Sprintf("workflow with id '%s' not found", id),
		HTTPStatus: http.StatusNotFound,
	}
}

// StepNotFound creates an error for a reference to an unknown workflow step.
func StepNotFound(id string) *AppError {
	return &AppError{
		Code:       ErrCodeStepNotFound,
		Message:    fmt.Sprintf("workflow step with id '%s' not found", id),
		HTTPStatus: http.StatusNotFound,
	}
}

// PullRequestNotFound creates an error for a reference to an unknown pull request.
func PullRequestNotFound(id string) *AppError {
	return &AppError{
		Code:       ErrCodePullRequestNotFound,
		Message:    fmt.Sprintf("pull request with id '%s' not found", id),
		HTTPStatus: http.StatusNotFound,
	}
}

// WrongWorkflow creates an error for a step id / workflow id pair that is
// inconsistent with stored state.
func WrongWorkflow(stepID, workflowID string) *AppError {
	return &AppError{
		Code:       ErrCodeWrongWorkflow,
		Message:    fmt.Sprintf("step '%s' does not belong to workflow '%s'", stepID, workflowID),
		HTTPStatus: http.StatusNotFound,
	}
}

// StepNotRunning creates an error for a callback that arrived for a step that
// is terminal or was never claimed.
func StepNotRunning(id, status string) *AppError {
	return &AppError{
		Code:       ErrCodeStepNotRunning,
		Message:    fmt.Sprintf("step '%s' is not running (status: %s)", id, status),
		HTTPStatus: http.StatusConflict,
	}
}

// NoLease creates an error for a callback whose step has no assigned runner.
func NoLease(stepID string) *AppError {
	return &AppError{
		Code:       ErrCodeNoLease,
		Message:    fmt.Sprintf("step '%s' has no active runner lease", stepID),
		HTTPStatus: http.StatusConflict,
	}
}

// LeaseMismatch creates an error for a callback bearing a runner instance id
// that does not match the stored lease.
func LeaseMismatch(stepID string) *AppError {
	return &AppError{
		Code:       ErrCodeLeaseMismatch,
		Message:    fmt.Sprintf("runner instance id does not hold the lease for step '%s'", stepID),
		HTTPStatus: http.StatusConflict,
	}
}

// EnqueueFailure creates an error for a runner gateway handoff that failed.
func EnqueueFailure(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeEnqueueFailure,
		Message:    message,
		HTTPStatus: http.StatusBadGateway,
		Err:        err,
	}
}

// PolicyRejected creates an error for a step denied by the policy hook.
func PolicyRejected(reason string) *AppError {
	return &AppError{
		Code:       ErrCodePolicyRejected,
		Message:    fmt.Sprintf("policy rejected step execution: %s", reason),
		HTTPStatus: http.StatusForbidden,
	}
}

// ExecutorFailure creates an error for an exception thrown by the agent executor.
func ExecutorFailure(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeExecutorFailure,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// SessionFailure creates an error for an isolation-session operation that failed.
func SessionFailure(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeSessionFailure,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// StoreIOFailure creates an error for a transient durable-store failure.
func StoreIOFailure(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeStoreIOFailure,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// BadRequest creates a new bad request error.
func BadRequest(message string) *AppError {
	return &AppError{
		Code:       ErrCodeBadRequest,
		Message:    message,
		HTTPStatus: http.StatusBadRequest,
	}
}

// Unauthorized creates a new unauthorized error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:       ErrCodeUnauthorized,
		Message:    message,
		HTTPStatus: http.StatusUnauthorized,
	}
}

// Conflict creates a new conflict error.
func Conflict(message string) *AppError {
	return &AppError{
		Code:       ErrCodeConflict,
		Message:    message,
		HTTPStatus: http.StatusConflict,
	}
}

// InternalError creates a new internal server error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:       ErrCodeValidationError,
		Message:    fmt.Sprintf("validation failed for field '%s': %s", field, message),
		HTTPStatus: http.StatusBadRequest,
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code and status
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:       appErr.Code,
			Message:    fmt.Sprintf("%s: %s", message, appErr.Message),
			HTTPStatus: appErr.HTTPStatus,
			Err:        err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:       ErrCodeInternalError,
		Message:    message,
		HTTPStatus: http.StatusInternalServerError,
		Err:        err,
	}
}

// IsNotFound checks if the error is one of the not-found errors.
func IsNotFound(err error) bool {
	switch Code(err) {
	case ErrCodeProjectNotFound, ErrCodeWorkflowNotFound, ErrCodeStepNotFound, ErrCodeWrongWorkflow:
		return true
	}
	return false
}

// IsLeaseRejection checks if the error rejects a runner lease (mismatch,
// missing lease, or a step that is not running).
func IsLeaseRejection(err error) bool {
	switch Code(err) {
	case ErrCodeNoLease, ErrCodeLeaseMismatch, ErrCodeStepNotRunning:
		return true
	}
	return false
}

// IsInvalidPlan checks if the error is a plan validation error.
func IsInvalidPlan(err error) bool {
	return Code(err) == ErrCodeInvalidPlan
}

// Code returns the application error code, or empty string for foreign errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ""
}

// GetHTTPStatus returns the HTTP status code for an error.
// Returns 500 Internal Server Error if the error is not an AppError.
func GetHTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.HTTPStatus
	}
	return http.StatusInternalServerError
}
