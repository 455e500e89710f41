package runner

import (
	"errors"
	"fmt"
	"time"
)

// Contamination reasons reported to the client.
const (
	ReasonErrorThrown     = "error-thrown"
	ReasonTimeoutExceeded = "timeout-exceeded"
)

// RuntimeError represents a failure detected while running variants.
//
// Runtime errors include:
//   - Handler failure: a handler returned or settled with an error
//   - Handler panic: a handler panicked
//   - Timeout: the registry never became available
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Key identifies the affected function, empty for timeouts.
	Key string

	// Details contains additional context.
	Details map[string]string

	err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeHandlerFailed indicates a handler reported an error.
	ErrCodeHandlerFailed RuntimeErrorCode = "HANDLER_FAILED"

	// ErrCodeHandlerPanic indicates a handler panicked.
	ErrCodeHandlerPanic RuntimeErrorCode = "HANDLER_PANIC"

	// ErrCodeTimeoutExceeded indicates the registry did not load in time.
	ErrCodeTimeoutExceeded RuntimeErrorCode = "TIMEOUT_EXCEEDED"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s: %s (key=%s)", e.Code, e.Message, e.Key)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the handler's error, if any.
func (e *RuntimeError) Unwrap() error {
	return e.err
}

// IsTimeout returns true if the error is a registry timeout.
// Uses errors.As to handle wrapped errors.
func IsTimeout(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeTimeoutExceeded
	}
	return false
}

// IsHandlerFailure returns true if the error came from a failing or panicking handler.
func IsHandlerFailure(err error) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == ErrCodeHandlerFailed || re.Code == ErrCodeHandlerPanic
	}
	return false
}

// NewHandlerError wraps err returned by the handler for key.
func NewHandlerError(key string, err error) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeHandlerFailed,
		Message: err.Error(),
		Key:     key,
		err:     err,
	}
}

// NewPanicError records a recovered handler panic.
func NewPanicError(key string, recovered any) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeHandlerPanic,
		Message: fmt.Sprint(recovered),
		Key:     key,
	}
}

// NewTimeoutError reports that the registry was not available after threshold.
func NewTimeoutError(threshold, elapsed time.Duration) *RuntimeError {
	return &RuntimeError{
		Code:    ErrCodeTimeoutExceeded,
		Message: fmt.Sprintf("variant registry not loaded after %s", elapsed),
		Details: map[string]string{
			"threshold": threshold.String(),
			"elapsed":   elapsed.String(),
		},
	}
}
