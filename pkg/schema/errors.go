package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeStore              = "STORE_ERROR"
	ErrCodeInterpolation      = "INTERPOLATION_ERROR"
	ErrCodeExpression         = "EXPRESSION_ERROR"
	ErrCodeSanitize           = "SANITIZE_ERROR"
	ErrCodeDispatch           = "DISPATCH_ERROR"
	ErrCodeInsufficientTokens = "INSUFFICIENT_TOKENS"
	ErrCodeProvider           = "PROVIDER_ERROR"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeVault              = "VAULT_ERROR"
)

// GenchainError is the structured error type for all genchain operations.
type GenchainError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    int            `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *GenchainError) Error() string {
	if e.Step > 0 {
		return fmt.Sprintf("[%s] step %d: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GenchainError) Unwrap() error {
	return e.Cause
}

// NewError creates a new GenchainError.
func NewError(code, message string) *GenchainError {
	return &GenchainError{Code: code, Message: message}
}

// NewErrorf creates a new GenchainError with a formatted message.
func NewErrorf(code, format string, args ...any) *GenchainError {
	return &GenchainError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a workflow step number to the error.
func (e *GenchainError) WithStep(step int) *GenchainError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *GenchainError) WithCause(err error) *GenchainError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GenchainError) WithDetails(details map[string]any) *GenchainError {
	e.Details = details
	return e
}

// IsRetryable reports whether the failure is worth another attempt.
// Only transport-level provider failures and timeouts qualify.
func (e *GenchainError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeProvider, ErrCodeTimeout:
		return true
	default:
		return false
	}
}

// HasCode reports whether err (or anything it wraps) is a GenchainError with the given code.
func HasCode(err error, code string) bool {
	var ge *GenchainError
	if errors.As(err, &ge) {
		return ge.Code == code
	}
	return false
}
