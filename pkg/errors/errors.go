// SPDX-License-Identifier: Apache-2.0
// Package errors provides typed errors shared by every forge component.
// Codes double as the wire-level error kinds carried on the event stream.
package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode classifies forge errors for callers, logs and the event stream.
type ErrorCode string

const (
	// Validation kinds.
	CodeSyntax              ErrorCode = "syntax_error"
	CodeContractViolation   ErrorCode = "contract_violation"
	CodeForbiddenCapability ErrorCode = "forbidden_capability"
	CodeGeneration          ErrorCode = "generation_error"

	// Registry and persistence.
	CodeNameConflict ErrorCode = "name_conflict"
	CodeNotFound     ErrorCode = "not_found"
	CodeInvalidInput ErrorCode = "invalid_input"

	// Execution.
	CodeUnknownCapability ErrorCode = "unknown_capability"
	CodeInvalidArguments  ErrorCode = "invalid_arguments"
	CodeTimeout           ErrorCode = "capability_timeout"
	CodeRuntime           ErrorCode = "capability_runtime_error"

	// Session lifecycle.
	CodeInitialization       ErrorCode = "initialization_error"
	CodeReasoningUnavailable ErrorCode = "reasoning_unavailable"
	CodeBackpressure         ErrorCode = "backpressure_exceeded"
	CodeCircuitOpen          ErrorCode = "circuit_open"
	CodeStepLimit            ErrorCode = "step_limit_reached"
	CodeCancelled            ErrorCode = "cancelled"

	// CodeInternal covers anything unexpected, including recovered panics.
	CodeInternal ErrorCode = "internal"
)

// ForgeError is a typed error with context for observability.
// It implements the error interface and can be unwrapped with errors.As().
type ForgeError struct {
	Code        ErrorCode
	Message     string
	Err         error
	Context     map[string]interface{}
	Attributes  map[string]string
	Recoverable bool
	StatusCode  int
}

// Error implements the error interface.
func (e *ForgeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap implements errors.Unwrap for error chain traversal.
func (e *ForgeError) Unwrap() error {
	return e.Err
}

// MarshalJSON implements json.Marshaler for structured logging.
func (e *ForgeError) MarshalJSON() ([]byte, error) {
	out := struct {
		Code        string                 `json:"code"`
		Message     string                 `json:"message"`
		Cause       string                 `json:"cause,omitempty"`
		Recoverable bool                   `json:"recoverable"`
		Context     map[string]interface{} `json:"context,omitempty"`
	}{
		Code:        string(e.Code),
		Message:     e.Message,
		Recoverable: e.Recoverable,
		Context:     e.Context,
	}
	if e.Err != nil {
		out.Cause = e.Err.Error()
	}
	return json.Marshal(out)
}

// New creates a new ForgeError with the given code, message, and cause.
func New(code ErrorCode, msg string, cause error) *ForgeError {
	return &ForgeError{
		Code:       code,
		Message:    msg,
		Err:        cause,
		Context:    make(map[string]interface{}),
		Attributes: make(map[string]string),
		StatusCode: codeToStatusCode(code),
	}
}

// Newf is New with a formatted message and no cause.
func Newf(code ErrorCode, format string, args ...interface{}) *ForgeError {
	return New(code, fmt.Sprintf(format, args...), nil)
}

// WithContext adds a key-value pair to the error context.
func (e *ForgeError) WithContext(key string, value interface{}) *ForgeError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithAttribute adds a string attribute for OTEL traces.
func (e *ForgeError) WithAttribute(key, value string) *ForgeError {
	if e.Attributes == nil {
		e.Attributes = make(map[string]string)
	}
	e.Attributes[key] = value
	return e
}

// WithRecoverable sets whether the error can be recovered from.
func (e *ForgeError) WithRecoverable(recoverable bool) *ForgeError {
	e.Recoverable = recoverable
	return e
}

// RecoverableString returns "true" or "false" for metric attributes.
func (e *ForgeError) RecoverableString() string {
	if e.Recoverable {
		return "true"
	}
	return "false"
}

// AsForgeError finds a ForgeError in err's chain, wrapping unknown errors as internal.
func AsForgeError(err error) *ForgeError {
	if err == nil {
		return nil
	}
	var fe *ForgeError
	if stderrors.As(err, &fe) {
		return fe
	}
	return New(CodeInternal, "wrapped error", err)
}

// CodeOf returns the code of err, or CodeInternal for foreign errors.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	return AsForgeError(err).Code
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	var fe *ForgeError
	if !stderrors.As(err, &fe) {
		return false
	}
	return fe.Code == code
}

// IsRecoverable reports the recoverable flag of a ForgeError. Foreign errors are not recoverable.
func IsRecoverable(err error) bool {
	var fe *ForgeError
	if !stderrors.As(err, &fe) {
		return false
	}
	return fe.Recoverable
}

// HTTPStatus returns the HTTP status to report for err.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	return AsForgeError(err).StatusCode
}

func codeToStatusCode(code ErrorCode) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeNameConflict:
		return http.StatusConflict
	case CodeInvalidInput, CodeInvalidArguments:
		return http.StatusBadRequest
	case CodeSyntax, CodeContractViolation, CodeForbiddenCapability:
		return http.StatusUnprocessableEntity
	case CodeGeneration, CodeReasoningUnavailable:
		return http.StatusBadGateway
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeBackpressure, CodeCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
