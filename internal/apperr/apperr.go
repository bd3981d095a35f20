// Package apperr defines the domain-level error taxonomy shared across the
// control plane. Handlers and adapters at the edges map these to transport
// status codes; everything in between propagates them verbatim.
package apperr

import (
	"errors"
	"fmt"
)

// Kind is a domain-level error classification.
type Kind string

const (
	KindInvalidInput        Kind = "invalid_input"
	KindInsufficientBalance Kind = "insufficient_balance"
	KindUnauthorized        Kind = "unauthorized"
	KindForbidden           Kind = "forbidden"
	KindNotFound            Kind = "not_found"
	KindNoCapacity          Kind = "no_capacity"
	KindNodeNotConnected    Kind = "node_not_connected"
	KindNotSupported        Kind = "not_supported"
	KindInvalidSignature    Kind = "invalid_signature"
	KindInvalidUpstream     Kind = "invalid_upstream"
	KindTransient           Kind = "transient"
	KindFatal               Kind = "fatal"
)

// Error is a domain error carrying a Kind plus a human-readable message and
// optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to KindFatal for unclassified errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFatal
}
