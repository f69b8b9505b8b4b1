package vigil

import (
	"context"
	"errors"
	"net"
)

// ErrorCategory classifies watcher failures.
type ErrorCategory string

const (
	// CategoryTransient covers network timeouts and rate limits; retried next poll.
	CategoryTransient ErrorCategory = "transient"
	// CategoryAuth covers expired or revoked credentials; escalates to degraded.
	CategoryAuth ErrorCategory = "auth"
	// CategoryUnknown is everything else; logged and retried next poll.
	CategoryUnknown ErrorCategory = "unknown"
)

type categorizedError struct {
	cat ErrorCategory
	err error
}

func (e *categorizedError) Error() string { return string(e.cat) + ": " + e.err.Error() }
func (e *categorizedError) Unwrap() error { return e.err }

// AuthError tags err as an authentication failure.
func AuthError(err error) error {
	if err == nil {
		return nil
	}
	return &categorizedError{cat: CategoryAuth, err: err}
}

// TransientError tags err as a transient failure.
func TransientError(err error) error {
	if err == nil {
		return nil
	}
	return &categorizedError{cat: CategoryTransient, err: err}
}

// Classify returns the category of err. Tagged errors win; otherwise
// deadline and network errors count as transient.
func Classify(err error) ErrorCategory {
	if err == nil {
		return ""
	}
	var ce *categorizedError
	if errors.As(err, &ce) {
		return ce.cat
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return CategoryTransient
	}
	return CategoryUnknown
}
