package core

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotFound is returned when an entity or job does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness constraint
	// or an operation conflicts with the current state.
	ErrConflict = errors.New("conflict")

	// ErrUnknownKind is returned when no descriptor is registered for a kind.
	ErrUnknownKind = errors.New("unknown entity kind")

	// ErrInvalidFilter is returned for filters or sorts a descriptor does not allow.
	ErrInvalidFilter = errors.New("invalid filter")

	// ErrTooManyUploads is returned when every upload slot stayed busy for
	// the configured wait. Clients should retry after a short delay.
	ErrTooManyUploads = errors.New("too many concurrent uploads, please try again later")
)

// TransientError marks a fault that may succeed when retried: lost
// connections, timeouts, serialization failures.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Op == "" {
		return "transient: " + e.Err.Error()
	}
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as a TransientError. Returns nil for a nil err.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// IsTransient reports whether err, or anything it wraps, is retryable.
// Network timeouts count; a cancelled context never does.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// ValidationError is a row-scoped failure: one cell failed its field spec.
type ValidationError struct {
	Field   string // Field name
	Value   string // The rejected cell value
	Message string // Human-readable message, e.g. "missing price"
}

func (e *ValidationError) Error() string {
	return e.Message
}
