package schema

import "fmt"

// Error codes for structured error reporting.
const (
	// ErrCodeStructural marks a malformed plan: missing reference, duplicate
	// ID, unsatisfiable or cyclic dependency. Never retried or recovered.
	ErrCodeStructural = "STRUCTURAL_ERROR"
	// ErrCodeSafetyRejection marks a command or code payload that failed a
	// pre-execution gate. The payload was never executed. Never retried.
	ErrCodeSafetyRejection = "SAFETY_REJECTION"
	// ErrCodeExecution marks a step that ran and failed (non-zero exit,
	// non-2xx response, runtime exception). Retried per the step policy.
	ErrCodeExecution = "EXECUTION_FAILURE"
	// ErrCodeTimeout marks sandboxed code or an API call exceeding its bound.
	// Retried per the step policy.
	ErrCodeTimeout = "TIMEOUT_FAILURE"
	// ErrCodeRecovery marks an external recovery attempt that declined or errored.
	ErrCodeRecovery = "RECOVERY_FAILURE"

	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeInterpolation = "INTERPOLATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeCancelled     = "CANCELLED"
	ErrCodeStore         = "STORE_ERROR"
)

// EngineError is the structured error type for all engine operations.
type EngineError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EngineError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failure class may be retried. Only steps
// that actually ran and failed (execution/timeout) qualify; gate rejections
// and structural problems would fail identically on every attempt.
func (e *EngineError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeExecution, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// NewError creates a new EngineError.
func NewError(code, message string) *EngineError {
	return &EngineError{Code: code, Message: message}
}

// NewErrorf creates a new EngineError with a formatted message.
func NewErrorf(code, format string, args ...any) *EngineError {
	return &EngineError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *EngineError) WithStep(stepID string) *EngineError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *EngineError) WithCause(err error) *EngineError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EngineError) WithDetails(details map[string]any) *EngineError {
	e.Details = details
	return e
}
