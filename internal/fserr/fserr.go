// Package fserr defines the error taxonomy tgcryptfs surfaces across the
// metadata store, cache, and filesystem operation layers (spec.md §7). A
// future kernel-interface adapter maps a Kind to an errno with one switch;
// this package carries the kind, not the mapping.
package fserr

import (
	"errors"
	"fmt"
)

// Kind classifies an error the way a POSIX filesystem would, independent of
// any particular kernel interface's errno space.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindNotADirectory
	KindIsADirectory
	KindNotEmpty
	KindAlreadyExists
	KindPermissionDenied
	KindReadOnly
	KindIntegrityFailure
	KindBackendUnavailable
	KindBackendTimeout
	KindRateLimited
	KindOutOfSpace
	KindInvalidArgument
	KindConflict
	KindIO
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "not_found"
	case KindNotADirectory:
		return "not_a_directory"
	case KindIsADirectory:
		return "is_a_directory"
	case KindNotEmpty:
		return "not_empty"
	case KindAlreadyExists:
		return "already_exists"
	case KindPermissionDenied:
		return "permission_denied"
	case KindReadOnly:
		return "read_only"
	case KindIntegrityFailure:
		return "integrity_failure"
	case KindBackendUnavailable:
		return "backend_unavailable"
	case KindBackendTimeout:
		return "backend_timeout"
	case KindRateLimited:
		return "rate_limited"
	case KindOutOfSpace:
		return "out_of_space"
	case KindInvalidArgument:
		return "invalid_argument"
	case KindConflict:
		return "conflict"
	case KindIO:
		return "io_error"
	default:
		return "unknown"
	}
}

// Error is a Kind-tagged error with an operation-specific message and an
// optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error without a wrapped cause.
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap builds an Error around an existing cause.
func Wrap(kind Kind, op, msg string, err error) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg, Err: err}
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retriable reports whether callers should retry internally with backoff
// before surfacing the error (spec.md §7: rate limit, transient backend).
// Integrity failures are never retriable.
func Retriable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindBackendUnavailable, KindBackendTimeout, KindRateLimited:
		return true
	default:
		return false
	}
}
