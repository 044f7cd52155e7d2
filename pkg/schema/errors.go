package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeGraph              = "GRAPH_ERROR"
	ErrCodeGraphStuck         = "GRAPH_STUCK"
	ErrCodeDataConnector      = "DATA_CONNECTOR_ERROR"
	ErrCodeExecution          = "EXECUTION_ERROR"
	ErrCodeValidationRejected = "VALIDATION_REJECTED"
	ErrCodeRetryExhausted     = "RETRY_EXHAUSTED"
	ErrCodeApproval           = "APPROVAL_ERROR"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeNoRoute            = "NO_ROUTE"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeLLM                = "LLM_ERROR"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeNotApproved        = "NOT_APPROVED"
	ErrCodeDependencyFailed   = "DEPENDENCY_FAILED"
	ErrCodeStepPanic          = "STEP_PANIC"
)

// OrcaError is the structured error type for all orchestration operations.
type OrcaError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *OrcaError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OrcaError) Unwrap() error {
	return e.Cause
}

// Is matches another *OrcaError by code, so errors.Is(err, schema.NewError(code, ""))
// works regardless of message.
func (e *OrcaError) Is(target error) bool {
	t, ok := target.(*OrcaError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// IsRetryable reports whether an operation that produced this error may be
// attempted again. Policy violations and graph errors never are.
func (e *OrcaError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeExecution, ErrCodeValidationRejected, ErrCodeTimeout, ErrCodeLLM:
		return true
	}
	return false
}

// NewError creates a new OrcaError.
func NewError(code, message string) *OrcaError {
	return &OrcaError{Code: code, Message: message}
}

// NewErrorf creates a new OrcaError with a formatted message.
func NewErrorf(code, format string, args ...any) *OrcaError {
	return &OrcaError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *OrcaError) WithStep(stepID string) *OrcaError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *OrcaError) WithCause(err error) *OrcaError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *OrcaError) WithDetails(details map[string]any) *OrcaError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first OrcaError in err's chain, or "".
func CodeOf(err error) string {
	var oe *OrcaError
	if errors.As(err, &oe) {
		return oe.Code
	}
	return ""
}

// HasCode reports whether err's chain contains an OrcaError with the given code.
func HasCode(err error, code string) bool {
	for err != nil {
		var oe *OrcaError
		if !errors.As(err, &oe) {
			return false
		}
		if oe.Code == code {
			return true
		}
		err = oe.Cause
	}
	return false
}
