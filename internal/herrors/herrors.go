// Package herrors defines the typed error kinds the core storage engine can
// raise, so callers can branch on errors.As instead of parsing messages.
package herrors

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a core error for programmatic handling.
type Kind int

const (
	// KindCorruptStore means an on-disk framing invariant was violated.
	KindCorruptStore Kind = iota
	// KindInvalidTransactionState means an operation ran against a closed
	// or aborted transaction.
	KindInvalidTransactionState
	// KindLockUnavailable means a required lock could not be acquired.
	KindLockUnavailable
	// KindProgrammingError means the caller misused an API (mismatched
	// framing, duplicate registration, wrong node size).
	KindProgrammingError
	// KindAbortError means a user-visible precondition failed.
	KindAbortError
	// KindLookupError means a node or path was not found.
	KindLookupError
)

func (k Kind) String() string {
	switch k {
	case KindCorruptStore:
		return "CorruptStore"
	case KindInvalidTransactionState:
		return "InvalidTransactionState"
	case KindLockUnavailable:
		return "LockUnavailable"
	case KindProgrammingError:
		return "ProgrammingError"
	case KindAbortError:
		return "AbortError"
	case KindLookupError:
		return "LookupError"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type carrying a Kind, an optional hint for the
// end user, and the wrapped cause. The cause is captured through
// pkg/errors.Wrap, so it carries a stack trace back to where it entered the
// store, the way the rest of the corpus wraps underlying failures.
type Error struct {
	Kind  Kind
	Msg   string
	Hint  string
	cause error
}

func (e *Error) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Msg, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// Cause implements the pkg/errors causer interface, so errors.Cause(err)
// unwraps through an *Error the same way it unwraps a plain pkg/errors
// wrap.
func (e *Error) Cause() error { return e.cause }

func (e *Error) Unwrap() error { return e.cause }

func newErr(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

func CorruptStore(format string, args ...interface{}) *Error {
	return newErr(KindCorruptStore, format, args...)
}

func InvalidTransactionState(format string, args ...interface{}) *Error {
	return newErr(KindInvalidTransactionState, format, args...)
}

func LockUnavailable(format string, args ...interface{}) *Error {
	return newErr(KindLockUnavailable, format, args...)
}

func ProgrammingError(format string, args ...interface{}) *Error {
	return newErr(KindProgrammingError, format, args...)
}

func AbortError(format string, args ...interface{}) *Error {
	return newErr(KindAbortError, format, args...)
}

func LookupError(format string, args ...interface{}) *Error {
	return newErr(KindLookupError, format, args...)
}

// WithHint attaches a user-facing hint to an existing Error.
func (e *Error) WithHint(hint string) *Error {
	e.Hint = hint
	return e
}

// WithCause attaches the underlying cause, wrapping it with pkg/errors so
// it carries a stack trace from the point of attachment.
func (e *Error) WithCause(cause error) *Error {
	if cause != nil {
		cause = errors.Wrap(cause, e.Msg)
	}
	e.cause = cause
	return e
}

// Is allows errors.Is(err, herrors.KindCorruptStore-style) comparisons by
// Kind rather than identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Reporter is the user-visible failure sink. The core never calls os.Exit;
// it reports through this abstraction and lets the caller decide.
type Reporter interface {
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}
