package errors

import (
	stderrors "errors"
	"fmt"
)

// PipelineError is the structured error type used across the pipeline.
// It carries a stable code for classification, a category and severity
// derived from the code, and the underlying cause for error chains.
type PipelineError struct {
	// Code is the unique error code (e.g., "ERR_301_EMBED_TRANSIENT").
	Code string

	// Message is the human-readable error message.
	Message string

	// Category is the error category (Config, Storage, Embedding, ...).
	Category Category

	// Severity is the error severity level.
	Severity Severity

	// Details contains additional context as key-value pairs.
	Details map[string]string

	// Cause is the underlying error that caused this error.
	Cause error

	// Retryable indicates if the operation can be retried.
	Retryable bool
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for error chain support.
func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// Is matches errors by code so errors.Is works with sentinel PipelineErrors.
func (e *PipelineError) Is(target error) bool {
	if t, ok := target.(*PipelineError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithDetail adds a key-value detail to the error.
// Returns the error for method chaining.
func (e *PipelineError) WithDetail(key, value string) *PipelineError {
	if e.Details == nil {
		e.Details = make(map[string]string)
	}
	e.Details[key] = value
	return e
}

// New creates a new PipelineError with the given code and message.
// Category, severity, and retryable flag are derived from the code.
func New(code string, message string, cause error) *PipelineError {
	return &PipelineError{
		Code:      code,
		Message:   message,
		Category:  categoryFromCode(code),
		Severity:  severityFromCode(code),
		Cause:     cause,
		Retryable: isRetryableCode(code),
	}
}

// Wrap creates a PipelineError from an existing error.
// Returns nil when err is nil so call sites can wrap unconditionally.
func Wrap(code string, err error) *PipelineError {
	if err == nil {
		return nil
	}
	return New(code, err.Error(), err)
}

// IsRetryable reports whether err (or any error in its chain) is a
// retryable PipelineError.
func IsRetryable(err error) bool {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IsFatal reports whether err carries a fatal severity.
func IsFatal(err error) bool {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Severity == SeverityFatal
	}
	return false
}

// CodeOf returns the code of the first PipelineError in the chain,
// or ErrCodeInternal when none is present.
func CodeOf(err error) string {
	var pe *PipelineError
	if stderrors.As(err, &pe) {
		return pe.Code
	}
	return ErrCodeInternal
}
