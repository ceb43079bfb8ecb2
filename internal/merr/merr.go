// Package merr defines the error taxonomy consulted by the eval and
// fetch layers (spec.md §7). Errors are plain sentinel values wrapped
// with fmt.Errorf("%w: ...") at the call site, checked with errors.Is.
package merr

import "errors"

var (
	// ErrNotFound means no peer could satisfy a fetch, or a queried
	// entity is absent.
	ErrNotFound = errors.New("M_NOT_FOUND")

	// ErrNotConform means an event failed the structural conformance
	// check (internal/event/conforms).
	ErrNotConform = errors.New("M_NOT_CONFORM")

	// ErrBadSignature means signature verification failed against a
	// cached key.
	ErrBadSignature = errors.New("M_BAD_SIGNATURE")

	// ErrUnauthorized means the auth rules rejected the event.
	ErrUnauthorized = errors.New("M_UNAUTHORIZED")

	// ErrUnavailable means the process runlevel is not RUN.
	ErrUnavailable = errors.New("M_UNAVAILABLE")

	// ErrRequestTimeout means a single fetch attempt exceeded its
	// per-attempt wall clock budget.
	ErrRequestTimeout = errors.New("HTTP_REQUEST_TIMEOUT")

	// ErrStorage means the commit transaction aborted.
	ErrStorage = errors.New("STORAGE_FAILURE")
)
