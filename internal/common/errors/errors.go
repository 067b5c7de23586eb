// Package errors provides the error taxonomy returned over the nerve wire
// protocol. Every error kind maps to a stable code carried in the result's
// data.error_type field.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants.
const (
	CodeInvalidName      = "INVALID_NAME"
	CodeDuplicateID      = "DUPLICATE_ID"
	CodeNotFound         = "NOT_FOUND"
	CodeInvalidParams    = "INVALID_PARAMS"
	CodeNodeBusy         = "NODE_BUSY"
	CodeNodeStopped      = "NODE_STOPPED"
	CodeNodeError        = "NODE_ERROR"
	CodeTimeout          = "TIMEOUT"
	CodeCancelled        = "CANCELLED"
	CodeGraphValidation  = "GRAPH_VALIDATION"
	CodeUpstreamError    = "UPSTREAM_ERROR"
	CodeProxyStartError  = "PROXY_START_ERROR"
	CodeProxyHealthError = "PROXY_HEALTH_ERROR"
	CodeHistoryError     = "HISTORY_ERROR"
	CodeInternal         = "INTERNAL_ERROR"
)

// AppError is an application error with a taxonomy code and optional wrapped
// cause.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status,omitempty"` // HTTP status for upstream errors
	Err     error  `json:"-"`
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

// Code extracts the taxonomy code from any error. Unrecognized errors report
// CodeInternal.
func Code(err error) string {
	var app *AppError
	if errors.As(err, &app) {
		return app.Code
	}
	return CodeInternal
}

// Is reports whether err carries the given taxonomy code.
func Is(err error, code string) bool {
	return Code(err) == code
}

// InvalidName reports an identifier that fails validation.
func InvalidName(id, reason string) *AppError {
	return &AppError{
		Code:    CodeInvalidName,
		Message: fmt.Sprintf("invalid name %q: %s", id, reason),
	}
}

// DuplicateID reports an identifier colliding with an existing entity. The
// kind names the entity type already holding the id.
func DuplicateID(id, kind string) *AppError {
	return &AppError{
		Code:    CodeDuplicateID,
		Message: fmt.Sprintf("id %q already in use by a %s", id, kind),
	}
}

// NotFound reports a missing node/graph/workflow/session.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s %q not found", resource, id),
	}
}

// InvalidParams reports missing or malformed command parameters.
func InvalidParams(message string) *AppError {
	return &AppError{Code: CodeInvalidParams, Message: message}
}

// NodeBusy reports an execute attempted while another is in flight.
func NodeBusy(id string) *AppError {
	return &AppError{
		Code:    CodeNodeBusy,
		Message: fmt.Sprintf("node %q is busy with another execution", id),
	}
}

// NodeStopped reports an operation on a stopped node.
func NodeStopped(id string) *AppError {
	return &AppError{
		Code:    CodeNodeStopped,
		Message: fmt.Sprintf("node %q is stopped", id),
	}
}

// NodeFailed reports an operation on a node in the error state. The node must
// be deleted and recreated.
func NodeFailed(id, detail string) *AppError {
	return &AppError{
		Code:    CodeNodeError,
		Message: fmt.Sprintf("node %q is in error state (%s); delete and recreate it", id, detail),
	}
}

// Timeout reports an awaited response exceeding its bound.
func Timeout(what string) *AppError {
	return &AppError{Code: CodeTimeout, Message: what + " timed out"}
}

// Cancelled reports a cooperatively cancelled operation.
func Cancelled(what string) *AppError {
	return &AppError{Code: CodeCancelled, Message: what + " cancelled"}
}

// GraphValidation reports an invalid graph definition.
func GraphValidation(problems []string) *AppError {
	return &AppError{
		Code:    CodeGraphValidation,
		Message: fmt.Sprintf("graph validation failed: %s", joinProblems(problems)),
	}
}

// Upstream reports a non-retryable HTTP error from an LLM node.
func Upstream(status int, body string) *AppError {
	return &AppError{
		Code:    CodeUpstreamError,
		Message: fmt.Sprintf("upstream returned status %d: %s", status, body),
		Status:  status,
	}
}

// ProxyStart reports proxy bring-up failure after retries.
func ProxyStart(nodeID string, err error) *AppError {
	return &AppError{
		Code:    CodeProxyStartError,
		Message: fmt.Sprintf("failed to start proxy for node %q", nodeID),
		Err:     err,
	}
}

// ProxyHealth reports a proxy that never became healthy.
func ProxyHealth(nodeID string, err error) *AppError {
	return &AppError{
		Code:    CodeProxyHealthError,
		Message: fmt.Sprintf("proxy for node %q failed health check", nodeID),
		Err:     err,
	}
}

// History reports a history writer initialization failure. Per-write failures
// never surface; only creation may fail loudly.
func History(err error) *AppError {
	return &AppError{Code: CodeHistoryError, Message: "history writer init failed", Err: err}
}

// Internal wraps an unexpected error.
func Internal(message string, err error) *AppError {
	return &AppError{Code: CodeInternal, Message: message, Err: err}
}

func joinProblems(problems []string) string {
	out := ""
	for i, p := range problems {
		if i > 0 {
			out += "; "
		}
		out += p
	}
	return out
}
