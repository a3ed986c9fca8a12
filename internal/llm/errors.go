package llm

import (
	"errors"

	"github.com/bergerjacob/llm-home-assistant/internal/httpkit"
)

// Error types for classifying provider errors.

// TransientError represents a temporary error that may succeed on retry:
// network failures, rate limits and 5xx responses.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// FatalError represents a permanent error that should not be retried,
// such as a rejected credential or a malformed request.
type FatalError struct {
	err error
}

func (e *FatalError) Error() string {
	return e.err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.err
}

// NewFatalError wraps an error as fatal (non-retryable).
func NewFatalError(err error) error {
	return &FatalError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// IsFatal returns true if the error is fatal and should not be retried.
func IsFatal(err error) bool {
	var fatal *FatalError
	return errors.As(err, &fatal)
}

// classify wraps an error carrying an *httpkit.StatusError: 408, 429
// and 5xx are transient, every other status is fatal.
func classify(err error) error {
	var se *httpkit.StatusError
	if errors.As(err, &se) && se.Temporary() {
		return NewTransientError(err)
	}
	return NewFatalError(err)
}
