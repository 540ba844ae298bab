// Package apperrors provides the classified error taxonomy used across the
// memory engine: BackendUnavailable, CacheUnavailable, NotFound, Invalid,
// Timeout, and Internal. Callers branch on Kind rather than string-matching
// messages.
package apperrors

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	pkgerrors "github.com/pkg/errors"
)

// Kind classifies an error into one of the taxonomy buckets from the
// engine's error handling design.
type Kind int

const (
	// Unknown is the zero value; should not appear on a returned error.
	Unknown Kind = iota
	// BackendUnavailable means RemoteStore cannot be reached.
	BackendUnavailable
	// CacheUnavailable means KV cannot be reached.
	CacheUnavailable
	// NotFound means the identity does not exist.
	NotFound
	// Invalid means the input failed a precondition.
	Invalid
	// Timeout means the operation exceeded its bound.
	Timeout
	// Internal means an unexpected condition; never leaks data to callers.
	Internal
)

func (k Kind) String() string {
	switch k {
	case BackendUnavailable:
		return "BackendUnavailable"
	case CacheUnavailable:
		return "CacheUnavailable"
	case NotFound:
		return "NotFound"
	case Invalid:
		return "Invalid"
	case Timeout:
		return "Timeout"
	case Internal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Error is a classified error carrying the operation that failed, a
// human-readable message, and the underlying cause (if any).
type Error struct {
	Kind    Kind
	Op      string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Message)
}

// Unwrap exposes the underlying cause so errors.Is/As work transparently.
func (e *Error) Unwrap() error { return e.cause }

// New builds a classified error with no underlying cause.
func New(kind Kind, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds a classified error around an existing cause. The cause is
// wrapped with pkg/errors.Wrap first, the same way the corpus's
// pkg/resilience/circuit_breaker.go attaches call-site context and a
// stack trace before handing an error up the stack.
func Wrap(kind Kind, op, message string, cause error) *Error {
	if cause != nil {
		cause = pkgerrors.Wrap(cause, message)
	}
	return &Error{Kind: kind, Op: op, Message: message, cause: cause}
}

// Of returns the Kind of err if it is (or wraps) an *Error, else Unknown.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}

// Classify maps a driver-level error (context deadline, network error,
// redis.Nil-style "not found" sentinels handled by the caller) onto the
// taxonomy. Adapters call this at their boundary so the rest of the
// engine never inspects driver-specific error types.
func Classify(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var asErr *Error
	if errors.As(err, &asErr) {
		return asErr
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(Timeout, op, "operation exceeded its deadline", err)
	case errors.Is(err, context.Canceled):
		return Wrap(Timeout, op, "operation canceled", err)
	default:
		var netErr net.Error
		if errors.As(err, &netErr) {
			if netErr.Timeout() {
				return Wrap(Timeout, op, "network timeout", err)
			}
			return Wrap(BackendUnavailable, op, "network error", err)
		}
		return Wrap(Internal, op, "unclassified error", err)
	}
}

// WithDeadline is a small helper mirroring the corpus's pattern of naming
// per-operation timeouts explicitly rather than relying on ambient context.
func WithDeadline(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, d)
}
