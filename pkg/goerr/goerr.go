// Package goerr defines the node-wide error taxonomy. Every boundary in the
// core (validation, persistence, mesh, sync) reports failures through one of
// these kinds instead of ad hoc error strings, so callers can branch on Kind
// rather than parsing messages.
package goerr

import (
	"errors"
	"fmt"
)

// Kind is the machine-readable category of a node error.
type Kind string

const (
	NotFound            Kind = "NOT_FOUND"
	InvalidBlock        Kind = "INVALID_BLOCK"
	InvalidTransaction  Kind = "INVALID_TRANSACTION"
	InvalidFragment     Kind = "INVALID_FRAGMENT"
	InvalidConfig       Kind = "INVALID_CONFIG"
	InvalidProof        Kind = "INVALID_PROOF"
	InvalidAddress      Kind = "INVALID_ADDRESS"
	IntegrityViolation  Kind = "INTEGRITY_VIOLATION"
	Exhausted           Kind = "EXHAUSTED"
	Timeout             Kind = "TIMEOUT"
	Unauthorized        Kind = "UNAUTHORIZED"
	IOFailure           Kind = "IO_FAILURE"
	Corrupt             Kind = "CORRUPT"
)

// Error is the concrete error type carrying a Kind, a machine-readable code,
// a human message, and an optional wrapped cause.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New constructs an Error of the given kind. code defaults to the kind's
// string value when empty.
func New(kind Kind, code, message string, cause error) *Error {
	if code == "" {
		code = string(kind)
	}
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return New(kind, string(kind), message, cause)
}

// KindOf extracts the Kind of err, if it (or something it wraps) is a *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// DowngradeCorrupt implements the §7 recovery policy: a Corrupt error
// encountered while reading persisted state is never propagated as fatal —
// it is downgraded to NotFound so callers treat it like a missing key.
func DowngradeCorrupt(err error) error {
	if Is(err, Corrupt) {
		return New(NotFound, string(NotFound), "value corrupt on read, treated as absent", err)
	}
	return err
}
