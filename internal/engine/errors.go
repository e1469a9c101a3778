package engine

import (
	"errors"
	"fmt"
)

// Kind classifies an engine error for retry and reconnect decisions.
type Kind int

const (
	// KindUnknown is an unclassified failure. Treated as permanent.
	KindUnknown Kind = iota

	// KindTransient indicates a dropped socket, refused connection, or
	// temporary engine unavailability. The only kind that triggers a
	// reconnect.
	KindTransient

	// KindConflict indicates a duplicate database, table, or index entry.
	KindConflict

	// KindNotFound indicates a missing database, table, or index.
	KindNotFound

	// KindInvalid indicates a malformed or rejected request.
	KindInvalid

	// KindUnauthorized indicates an authentication or permission failure.
	KindUnauthorized

	// KindUnsupported indicates the engine does not implement the requested
	// operation (e.g. the native fusion clause).
	KindUnsupported
)

// String returns the kind's name.
func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInvalid:
		return "invalid"
	case KindUnauthorized:
		return "unauthorized"
	case KindUnsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// Error is a classified engine error.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("engine: %s: %s (%s)", e.Op, msg, e.Kind)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the classification of err, or KindUnknown for errors that
// did not originate at the engine boundary.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err should trigger a reconnect.
func IsTransient(err error) bool {
	return KindOf(err) == KindTransient
}

// IsConflict reports whether err is a duplicate-entry conflict.
func IsConflict(err error) bool {
	return KindOf(err) == KindConflict
}

// IsNotFound reports whether err is a missing-object failure.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsUnsupported reports whether the engine rejected the operation as
// unimplemented.
func IsUnsupported(err error) bool {
	return KindOf(err) == KindUnsupported
}
