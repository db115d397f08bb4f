package wire

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind categorizes failures visible to the embedding program.
type ErrorKind string

const (
	// KindDuplicateClientID means the requested client id is already active.
	KindDuplicateClientID ErrorKind = "DuplicateClientId"

	// KindProtocol means a malformed or unexpected message.
	KindProtocol ErrorKind = "ProtocolError"

	// KindClientDisconnected means the operation was aborted because its session went away.
	KindClientDisconnected ErrorKind = "ClientDisconnected"

	// KindLinkClosed means the operation was attempted after local shutdown.
	KindLinkClosed ErrorKind = "LinkClosed"

	// KindTimeout means a client-side wait timeout elapsed.
	KindTimeout ErrorKind = "Timeout"

	// KindStaleRun means the client presented a run id from a previous run.
	KindStaleRun ErrorKind = "StaleRun"
)

// Sentinels for errors.Is. A *Error of the same kind matches its sentinel.
var (
	ErrDuplicateClientID  = &Error{Kind: KindDuplicateClientID, Message: "client id already active"}
	ErrProtocol           = &Error{Kind: KindProtocol, Message: "protocol error"}
	ErrClientDisconnected = &Error{Kind: KindClientDisconnected, Message: "client disconnected"}
	ErrLinkClosed         = &Error{Kind: KindLinkClosed, Message: "link closed"}
	ErrTimeout            = &Error{Kind: KindTimeout, Message: "timed out"}
	ErrStaleRun           = &Error{Kind: KindStaleRun, Message: "stale run"}
)

// Error is a failure with a kind that survives the trip over the wire.
type Error struct {
	// Kind identifies the error category.
	Kind ErrorKind `json:"kind"`

	// Message is a human-readable description.
	Message string `json:"message"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Is matches any *Error with the same kind, so a decoded remote error
// satisfies errors.Is against the local sentinel.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Errorf creates an *Error of the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf maps err onto an ErrorKind. Context expiry is reported as a
// timeout; anything unrecognized is a protocol error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindProtocol
}

// IsDisconnected returns true if the error reports an aborted session.
func IsDisconnected(err error) bool {
	return errors.Is(err, ErrClientDisconnected)
}

// IsTimeout returns true if the error is a client-side timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}
