package pipeline

import (
	"errors"
	"fmt"

	"github.com/agridoc/backend/internal/model"
)

// ErrorCode represents specific pipeline error types.
type ErrorCode string

const (
	ErrInvalidInput      ErrorCode = "INVALID_INPUT"
	ErrEngineTimeout     ErrorCode = "ENGINE_TIMEOUT"
	ErrEngineUnavailable ErrorCode = "ENGINE_UNAVAILABLE"
	ErrEngineRateLimited ErrorCode = "ENGINE_RATE_LIMITED"
	ErrRetriesExhausted  ErrorCode = "RETRIES_EXHAUSTED"
	ErrAttemptActive     ErrorCode = "ATTEMPT_ACTIVE"
	ErrNotRetriable      ErrorCode = "NOT_RETRIABLE"
	ErrIllegalTransition ErrorCode = "ILLEGAL_TRANSITION"
	ErrStaleAttempt      ErrorCode = "STALE_ATTEMPT"
	ErrNotFound          ErrorCode = "NOT_FOUND"
)

// PipelineError is a structured error for pipeline failures. Retryable tells
// the scheduler whether the failure is transient; input and invariant errors
// are never retried.
type PipelineError struct {
	Code      ErrorCode
	Message   string
	Engine    string // extractor engine that produced the failure, if any
	Retryable bool
	Cause     error
}

func (e *PipelineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *PipelineError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error is retryable.
func (e *PipelineError) IsRetryable() bool {
	return e.Retryable
}

// FailureCode maps the error onto the attempt-level failure taxonomy.
func (e *PipelineError) FailureCode() model.FailureCode {
	switch e.Code {
	case ErrInvalidInput:
		return model.FailureInvalidInput
	case ErrRetriesExhausted:
		return model.FailureRetriesExhausted
	default:
		return model.FailureTransient
	}
}

// AsPipelineError unwraps err into a *PipelineError, or wraps it as a
// retryable transient failure when it is something else (network errors from
// the engine client arrive undecorated).
func AsPipelineError(err error) *PipelineError {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	return &PipelineError{
		Code:      ErrEngineUnavailable,
		Message:   "extractor invocation failed",
		Retryable: true,
		Cause:     err,
	}
}
