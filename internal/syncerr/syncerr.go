// Package syncerr models sync failures as a result type carrying
// {kind, retryable, offline, debug, stack} in place of the source's mix of
// SyncException and std::exception (spec.md §9 design note). Stack capture
// is grounded on github.com/rotisserie/eris, the error library the pack's
// eSlider-mail-archive teacher already imports for classification via
// eris.Is.
package syncerr

import (
	"errors"
	"fmt"

	"github.com/rotisserie/eris"
)

// Kind classifies a sync failure for dispatch/logging purposes.
type Kind string

const (
	KindNetwork    Kind = "network"
	KindAuth       Kind = "auth"
	KindProtocol   Kind = "protocol" // malformed/unexpected server response
	KindConflict   Kind = "conflict" // etag/UID/version mismatch
	KindNotFound   Kind = "not_found"
	KindFatal      Kind = "fatal" // schema/assertion violations; log+abort
	KindCancelled  Kind = "cancelled"
	KindUnknown    Kind = "unknown"
)

// Error is the sync engine's error value. It always carries a stack trace
// captured at the point of Wrap/New, per spec.md §9's {kind, retryable,
// offline, debug, stack} shape.
type Error struct {
	Kind      Kind
	Retryable bool
	Offline   bool
	Debug     string
	cause     error
}

func (e *Error) Error() string {
	if e.Debug != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Debug)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.cause)
}

func (e *Error) Unwrap() error { return e.cause }

// Stack renders the captured stack trace for logging.
func (e *Error) Stack() string {
	return eris.ToString(e.cause, true)
}

// New wraps cause as a classified, stack-carrying Error.
func New(kind Kind, retryable bool, cause error) *Error {
	return &Error{Kind: kind, Retryable: retryable, cause: eris.Wrap(cause, string(kind))}
}

// Network builds a retryable, offline-eligible network error.
func Network(cause error) *Error {
	return &Error{Kind: KindNetwork, Retryable: true, Offline: true, cause: eris.Wrap(cause, "network")}
}

// Auth builds a non-retryable authentication error.
func Auth(cause error) *Error {
	return &Error{Kind: KindAuth, Retryable: false, cause: eris.Wrap(cause, "auth")}
}

// Protocol builds a non-retryable malformed-response error.
func Protocol(format string, args ...any) *Error {
	return &Error{Kind: KindProtocol, Retryable: false, cause: eris.New(fmt.Sprintf(format, args...))}
}

// Conflict builds a non-retryable version/etag-mismatch error, the
// condition internal/imapsync and internal/dav surface on optimistic-lock or
// If-Match failures.
func Conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Retryable: false, cause: eris.New(fmt.Sprintf(format, args...))}
}

// Fatal builds a non-retryable error meant to terminate the owning worker
// (spec.md §4.4: "non-retryable errors are fatal and log+abort").
func Fatal(cause error) *Error {
	return &Error{Kind: KindFatal, Retryable: false, cause: eris.Wrap(cause, "fatal")}
}

// Cancelled builds the error a task's context cancellation surfaces as.
func Cancelled(cause error) *Error {
	return &Error{Kind: KindCancelled, Retryable: false, cause: eris.Wrap(cause, "cancelled")}
}

// IsRetryable reports whether err (wrapped or not) should be retried.
func IsRetryable(err error) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Retryable
	}
	return false
}

// KindOf extracts the classification, defaulting to KindUnknown for errors
// that never passed through this package.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
