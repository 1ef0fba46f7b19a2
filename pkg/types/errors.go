package types

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure independently of any transport.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindDomainNotAllowed Kind = "domain_not_allowed"
	KindNotFound         Kind = "not_found"
	KindInvalidRef       Kind = "invalid_reference_format"
	KindStore            Kind = "store"
)

// Error is the structured error surfaced by the synchronizer and its
// collaborators. Message must never contain secret metadata values.
type Error struct {
	Kind    Kind   `json:"kind"`
	Message string `json:"message"`
	err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.err }

// ErrValidation reports rejected input (missing functions, empty domain).
func ErrValidation(msg string) *Error {
	return &Error{Kind: KindValidation, Message: msg}
}

// ErrDomainNotAllowed reports a domain denied by the allowlist policy.
func ErrDomainNotAllowed(domain string) *Error {
	return &Error{Kind: KindDomainNotAllowed, Message: fmt.Sprintf("domain %q is not allowed", domain)}
}

// ErrNotFound covers both genuinely absent records and records hidden by
// authorization scoping.
func ErrNotFound(what string) *Error {
	return &Error{Kind: KindNotFound, Message: what + " not found"}
}

// ErrInvalidRef reports a malformed encoded reference.
func ErrInvalidRef(msg string) *Error {
	return &Error{Kind: KindInvalidRef, Message: msg}
}

// ErrStore wraps an underlying persistence failure. op names the failing
// store call for the log line; the cause is preserved for errors.Is/As.
func ErrStore(op string, err error) *Error {
	return &Error{Kind: KindStore, Message: op + " failed", err: err}
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// KindStore so the boundary fails closed as an internal error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStore
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
