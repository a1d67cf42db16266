// ABOUTME: Typed error kinds shared by every mesh component
// ABOUTME: Lets callers discriminate denial reasons without string matching

package fault

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies a failure. The zero value is Internal so that an
// unclassified error never masquerades as a deliberate denial.
type Kind int

const (
	Internal Kind = iota
	BadRequest
	NotFound
	NotAuthorized
	Conflict
	Invariant
	Cancelled
	Unavailable
)

// String returns the wire-stable name of the kind.
func (k Kind) String() string {
	switch k {
	case BadRequest:
		return "bad_request"
	case NotFound:
		return "not_found"
	case NotAuthorized:
		return "not_authorized"
	case Conflict:
		return "conflict"
	case Invariant:
		return "invariant"
	case Cancelled:
		return "cancelled"
	case Unavailable:
		return "unavailable"
	default:
		return "internal"
	}
}

// Error is a classified failure with a short human message that names the
// offending entity. It never carries stack traces.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

// Unwrap exposes the underlying cause, if any, for errors.Is/As chains.
func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an error of the given kind with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error, keeping it reachable via Unwrap.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), cause: err}
}

// BadRequestf builds a BadRequest error.
func BadRequestf(format string, args ...any) *Error {
	return Newf(BadRequest, format, args...)
}

// NotFoundf builds a NotFound error.
func NotFoundf(format string, args ...any) *Error {
	return Newf(NotFound, format, args...)
}

// NotAuthorizedf builds a NotAuthorized error.
func NotAuthorizedf(format string, args ...any) *Error {
	return Newf(NotAuthorized, format, args...)
}

// Conflictf builds a Conflict error.
func Conflictf(format string, args ...any) *Error {
	return Newf(Conflict, format, args...)
}

// Invariantf builds an Invariant error.
func Invariantf(format string, args ...any) *Error {
	return Newf(Invariant, format, args...)
}

// Cancelledf builds a Cancelled error.
func Cancelledf(format string, args ...any) *Error {
	return Newf(Cancelled, format, args...)
}

// Unavailablef builds an Unavailable error.
func Unavailablef(format string, args ...any) *Error {
	return Newf(Unavailable, format, args...)
}

// Internalf builds an Internal error.
func Internalf(format string, args ...any) *Error {
	return Newf(Internal, format, args...)
}

// KindOf reports the kind of err. Context cancellation and deadline expiry
// map to Cancelled; anything unclassified maps to Internal.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// IsNotFound reports whether err is a NotFound failure.
func IsNotFound(err error) bool {
	return Is(err, NotFound)
}

// IsNotAuthorized reports whether err is a NotAuthorized failure.
func IsNotAuthorized(err error) bool {
	return Is(err, NotAuthorized)
}

// IsConflict reports whether err is a Conflict failure.
func IsConflict(err error) bool {
	return Is(err, Conflict)
}

// IsBadRequest reports whether err is a BadRequest failure.
func IsBadRequest(err error) bool {
	return Is(err, BadRequest)
}
