// Package apierror defines the error taxonomy returned to callers of both
// endpoints. Every failure that crosses a process boundary is an *Error with
// one of the Kind values below, so a caller can decide whether to retry or
// surface the failure to a human without parsing message text.
//
// Errors compare by kind with errors.Is:
//
//	if errors.Is(err, apierror.ErrTimeout) { ... }
package apierror

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the class of a failure.
type Kind string

const (
	// KindUnknownMethod means the member does not resolve in the schema or
	// the dispatch registry. Calls never fall through to a default route.
	KindUnknownMethod Kind = "UnknownMethod"

	// KindInvalidArguments means the argument shape or types do not match
	// the member's descriptor.
	KindInvalidArguments Kind = "InvalidArguments"

	// KindUnavailable means the member is declared but its feature is not
	// available on this host.
	KindUnavailable Kind = "Unavailable"

	// KindDelegateFailed means the wrapped program or service reported
	// failure. Code and Stderr carry what the delegate produced.
	KindDelegateFailed Kind = "DelegateFailed"

	// KindTimeout means the invocation deadline passed, locally or across
	// the relay.
	KindTimeout Kind = "Timeout"

	// KindRelayUnreachable means the privileged endpoint is not running or
	// stopped responding before a reply was received.
	KindRelayUnreachable Kind = "RelayUnreachable"

	// KindRejected means the privileged endpoint refused the call for a
	// reason outside the other kinds. Message holds the reason verbatim.
	KindRejected Kind = "Rejected"
)

// Error is the structured error carried on both wires.
type Error struct {
	Kind    Kind   `json:"kind" cbor:"kind"`
	Member  string `json:"member,omitempty" cbor:"member,omitempty"`
	Code    int    `json:"code,omitempty" cbor:"code,omitempty"`
	Stderr  string `json:"stderr,omitempty" cbor:"stderr,omitempty"`
	Message string `json:"message,omitempty" cbor:"message,omitempty"`
}

// Sentinels for errors.Is. They carry only a kind.
var (
	ErrUnknownMethod    = &Error{Kind: KindUnknownMethod}
	ErrInvalidArguments = &Error{Kind: KindInvalidArguments}
	ErrUnavailable      = &Error{Kind: KindUnavailable}
	ErrDelegateFailed   = &Error{Kind: KindDelegateFailed}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrRelayUnreachable = &Error{Kind: KindRelayUnreachable}
	ErrRejected         = &Error{Kind: KindRejected}
)

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Member != "" {
		b.WriteString(" (")
		b.WriteString(e.Member)
		b.WriteString(")")
	}
	if e.Kind == KindDelegateFailed {
		fmt.Fprintf(&b, ": exit code %d", e.Code)
		if e.Stderr != "" {
			fmt.Fprintf(&b, ": %s", e.Stderr)
		}
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the failure happened in the relay transport.
// Other kinds are final answers for the given arguments.
func (e *Error) Retryable() bool {
	return e.Kind == KindRelayUnreachable
}

// UnknownMethod returns a KindUnknownMethod error for member.
func UnknownMethod(member string) *Error {
	return &Error{Kind: KindUnknownMethod, Member: member}
}

// InvalidArguments returns a KindInvalidArguments error.
func InvalidArguments(member, format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArguments, Member: member, Message: fmt.Sprintf(format, args...)}
}

// Unavailable returns a KindUnavailable error for member.
func Unavailable(member string) *Error {
	return &Error{Kind: KindUnavailable, Member: member, Message: "not supported on this host"}
}

// DelegateFailed returns a KindDelegateFailed error with the delegate's exit
// or remote code and its standard error text.
func DelegateFailed(member string, code int, stderr string) *Error {
	return &Error{Kind: KindDelegateFailed, Member: member, Code: code, Stderr: stderr}
}

// Timeout returns a KindTimeout error for member.
func Timeout(member string) *Error {
	return &Error{Kind: KindTimeout, Member: member, Message: "deadline exceeded"}
}

// RelayUnreachable returns a KindRelayUnreachable error wrapping the cause.
func RelayUnreachable(member string, cause error) *Error {
	e := &Error{Kind: KindRelayUnreachable, Member: member}
	if cause != nil {
		e.Message = cause.Error()
	}
	return e
}

// Rejected returns a KindRejected error carrying reason verbatim.
func Rejected(member, reason string) *Error {
	return &Error{Kind: KindRejected, Member: member, Message: reason}
}

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// From converts any error into an *Error. Errors that are not already part
// of the taxonomy become Rejected with their message as the reason.
func From(member string, err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Rejected(member, err.Error())
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindUnknownMethod, KindInvalidArguments, KindUnavailable, KindDelegateFailed,
		KindTimeout, KindRelayUnreachable, KindRejected:
		return true
	}
	return false
}
