// Package platerr defines the platform-wide error taxonomy. Every domain
// package returns errors that wrap exactly one of the kinds below; the API
// layer maps kinds to HTTP status codes in a single place.
package platerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for surface mapping.
type Kind int

const (
	// KindUnknown is the zero value; surfaced as an upstream failure.
	KindUnknown Kind = iota

	// KindUnauthenticated means a missing or invalid credential.
	KindUnauthenticated

	// KindForbidden means a valid principal lacks the required permission on
	// a resource it is allowed to know about.
	KindForbidden

	// KindConcealed means a valid principal lacks read on a private resource.
	// Surfaced identically to KindNotFound so existence is not disclosed.
	KindConcealed

	// KindNotFound means the resource is absent.
	KindNotFound

	// KindConflict covers uniqueness violations and version mismatches.
	KindConflict

	// KindBadRequest covers validation failures, malformed UUIDs, and
	// blocked URLs.
	KindBadRequest

	// KindRateLimited means a rate limit window was exhausted.
	KindRateLimited

	// KindUpstream covers cluster, object store, cache, and database
	// failures.
	KindUpstream

	// KindCrypto covers decrypt and ciphertext authentication failures.
	// Logged with detail for operators; callers see an upstream failure.
	KindCrypto
)

// Error carries a kind, a caller-safe message, and an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error { return e.Err }

// New creates an Error with the given kind and message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error that wraps cause. The cause is preserved for logging
// but never included in the caller-facing message.
func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Returns KindUnknown for nil or non-platform errors.
func KindOf(err error) Kind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// Message returns the caller-safe message for err. Non-platform errors get a
// generic message so internal detail never leaks to clients.
func Message(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		if pe.Kind == KindCrypto {
			// Crypto detail is operator-only.
			return "secret resolution failed"
		}
		return pe.Msg
	}
	return "internal error"
}

// HTTPStatus maps an error kind to its HTTP surface code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindConcealed, KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindBadRequest:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUpstream, KindCrypto:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine-readable error code string for err, used by the
// API response envelope.
func Code(err error) string {
	switch KindOf(err) {
	case KindUnauthenticated:
		return "unauthorized"
	case KindForbidden:
		return "forbidden"
	case KindConcealed, KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindBadRequest:
		return "bad_request"
	case KindRateLimited:
		return "rate_limited"
	case KindUpstream, KindCrypto:
		return "upstream_error"
	default:
		return "internal_error"
	}
}
