// Package flaerr is the shared error vocabulary returned by every flexalloc
// component, so callers can branch on a Kind instead of matching strings.
package flaerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies a flexalloc error into one of the categories every
// component agrees on.
type Kind int

const (
	IoError Kind = iota
	NotFound
	AlreadyExists
	OutOfSpace
	InvalidArgument
	StaleHandle
	InvalidState
	Corruption
)

func (k Kind) String() string {
	switch k {
	case IoError:
		return "io_error"
	case NotFound:
		return "not_found"
	case AlreadyExists:
		return "already_exists"
	case OutOfSpace:
		return "out_of_space"
	case InvalidArgument:
		return "invalid_argument"
	case StaleHandle:
		return "stale_handle"
	case InvalidState:
		return "invalid_state"
	case Corruption:
		return "corruption"
	default:
		return "unknown"
	}
}

// flaError carries a Kind alongside a pkg/errors-wrapped cause, so the stack
// at the point of creation survives across component boundaries.
type flaError struct {
	kind  Kind
	msg   string
	cause error
}

func (e *flaError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *flaError) Unwrap() error { return e.cause }

// Kind reports the error's category.
func (e *flaError) Kind() Kind { return e.kind }

// New creates a Kind-tagged error with a stack trace attached.
func New(kind Kind, msg string) error {
	return &flaError{kind: kind, msg: msg, cause: errors.New(msg)}
}

// Newf is New with Printf-style formatting.
func Newf(kind Kind, format string, args ...interface{}) error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap attaches a Kind and a message to an existing cause.
func Wrap(kind Kind, cause error, msg string) error {
	if cause == nil {
		return nil
	}
	return &flaError{kind: kind, msg: msg, cause: errors.Wrap(cause, msg)}
}

// Wrapf is Wrap with Printf-style formatting.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) error {
	return Wrap(kind, cause, fmt.Sprintf(format, args...))
}

// Is reports whether err, or any error in its chain, carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// KindOf extracts the Kind from err's chain, if any component in it is a
// flaerr-produced error.
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if fe, ok := err.(*flaError); ok {
			return fe.kind, true
		}
		err = errors.Unwrap(err)
	}
	return 0, false
}
