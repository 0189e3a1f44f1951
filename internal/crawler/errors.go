package crawler

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrRetryBudgetExhausted marks a job that failed on its last allowed attempt.
	ErrRetryBudgetExhausted = errors.New("retry budget exhausted")
	// ErrQueueUnavailable marks broker failures; the retry policy never handles these.
	ErrQueueUnavailable = errors.New("queue unavailable")
	// ErrBrokerClosed is returned by Receive once the broker shut down.
	ErrBrokerClosed = errors.New("broker closed")
	// ErrNotFound is returned by result backends for unknown job IDs.
	ErrNotFound = errors.New("job result not found")
)

// TransientError wraps network/timeout-class failures that may succeed later.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError wraps failures that no retry can fix.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent marks err as not retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError
	return errors.As(err, &p)
}

// IsTransient reports whether err carries a TransientError.
func IsTransient(err error) bool {
	var t *TransientError
	return errors.As(err, &t)
}

// RetryBudgetExhaustedError is the give-up reason after the last retryable failure.
type RetryBudgetExhaustedError struct {
	Attempts int
	Cause    error
}

func (e *RetryBudgetExhaustedError) Error() string {
	return fmt.Sprintf("%s after %d attempts: %v", ErrRetryBudgetExhausted, e.Attempts, e.Cause)
}

func (e *RetryBudgetExhaustedError) Unwrap() []error {
	return []error{ErrRetryBudgetExhausted, e.Cause}
}

// HTTPStatusError reports a non-2xx response for the crawl target.
type HTTPStatusError struct {
	URL  string
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("%s returned %d %s", e.URL, e.Code, http.StatusText(e.Code))
}

// Retryable reports whether the status is worth another attempt.
func (e *HTTPStatusError) Retryable() bool {
	switch e.Code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return e.Code >= 500
}

// QueueUnavailable wraps a broker failure for op.
func QueueUnavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrQueueUnavailable, err)
}
