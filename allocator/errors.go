package allocator

import (
	"errors"
	"fmt"

	"gpu-allocator/store"
)

// Kind classifies a failure so transports can map it to a response.
type Kind string

const (
	KindNotFound            Kind = "NotFound"
	KindConflict            Kind = "Conflict"
	KindResourceUnavailable Kind = "ResourceUnavailable"
	KindInvalidInterval     Kind = "InvalidInterval"
	KindMismatch            Kind = "Mismatch"
	KindInvalidArgument     Kind = "InvalidArgument"
	KindInvalidTransition   Kind = "InvalidTransition"
	KindAlreadyCancelled    Kind = "AlreadyCancelled"
	KindAlreadyStarted      Kind = "AlreadyStarted"
	KindEmpty               Kind = "Empty"
	KindInternal            Kind = "Internal"
)

// Error is the error type returned by every allocator operation.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the Kind carried by err, or KindInternal for errors that
// did not originate in this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// notFound converts a store miss into a NotFound error and anything else
// into Internal.
func notFound(err error, what, id string) error {
	if errors.Is(err, store.ErrNotFound) {
		return newError(KindNotFound, "%s %q not found", what, id)
	}
	return internal(err, "load %s %q", what, id)
}

func internal(err error, format string, args ...any) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}
