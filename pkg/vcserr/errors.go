// Package vcserr defines the error taxonomy shared by every core component.
package vcserr

import (
	"errors"
	"fmt"
)

// Kind enumerates the error kinds from the design's error-handling table.
type Kind int

const (
	// KindParseError means the object-dump codec rejected dump text.
	KindParseError Kind = iota
	// KindMultipleObjects means a dump contained more than one object.
	KindMultipleObjects
	// KindNotFound means an object, change, or user is unknown or deleted.
	KindNotFound
	// KindNameConflict means a rename or update target name is already live.
	KindNameConflict
	// KindAmbiguousID means a short change id matched more than one record.
	KindAmbiguousID
	// KindIllegalTransition means a lifecycle transition is not permitted
	// from the change's current state.
	KindIllegalTransition
	// KindPermissionDenied means the caller lacks a required capability.
	KindPermissionDenied
	// KindNoSource means index/update was called with no source configured.
	KindNoSource
	// KindUnknownChange means calc_delta was asked to compute a delta after
	// a change id that is not in the merged order.
	KindUnknownChange
	// KindRemoteError means a peer rejected a replication request or
	// returned malformed data.
	KindRemoteError
	// KindStorageError means the underlying storage engine failed.
	KindStorageError
	// KindBackgroundFlushFailed is logged only, never surfaced to a caller;
	// it exists so the flush worker can describe its own failures uniformly.
	KindBackgroundFlushFailed
)

func (k Kind) String() string {
	switch k {
	case KindParseError:
		return "ParseError"
	case KindMultipleObjects:
		return "MultipleObjects"
	case KindNotFound:
		return "NotFound"
	case KindNameConflict:
		return "NameConflict"
	case KindAmbiguousID:
		return "AmbiguousId"
	case KindIllegalTransition:
		return "IllegalTransition"
	case KindPermissionDenied:
		return "PermissionDenied"
	case KindNoSource:
		return "NoSource"
	case KindUnknownChange:
		return "UnknownChange"
	case KindRemoteError:
		return "RemoteError"
	case KindStorageError:
		return "StorageError"
	case KindBackgroundFlushFailed:
		return "BackgroundFlushFailed"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned by core operations. Every
// caller-visible operation failure is wrapped in one of these so the
// operation registry boundary can map it to the "Error: ..." envelope
// uniformly instead of string-matching messages.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error of the given kind around an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err (or something it wraps) is a *Error of kind k.
func Is(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == k
	}
	return false
}
