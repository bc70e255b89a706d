// Package otperr defines the stable failure taxonomy of the OTP engine.
// Every caller-visible failure maps to exactly one Kind so host
// applications can branch on errors.Is / KindOf instead of parsing
// message text.
package otperr

import (
	"errors"
	"fmt"
)

// Kind enumerates the failure classes of the engine.
type Kind int

const (
	KindUnknown Kind = iota
	KindInvalid
	KindExpired
	KindAlreadyUsed
	KindLocked
	KindAttemptsExceeded
	KindContextMismatch
	KindRateLimited
	KindNotificationFailed
	KindStorage
	KindMisconfiguredSecret
)

// Code returns the stable wire identifier for the kind.
func (k Kind) Code() string {
	switch k {
	case KindInvalid:
		return "INVALID"
	case KindExpired:
		return "EXPIRED"
	case KindAlreadyUsed:
		return "ALREADY_USED"
	case KindLocked:
		return "LOCKED"
	case KindAttemptsExceeded:
		return "ATTEMPTS_EXCEEDED"
	case KindContextMismatch:
		return "CONTEXT_MISMATCH"
	case KindRateLimited:
		return "RATE_LIMITED"
	case KindNotificationFailed:
		return "NOTIFICATION_FAILED"
	case KindStorage:
		return "STORAGE_ERROR"
	case KindMisconfiguredSecret:
		return "MISCONFIGURED_SECRET"
	default:
		return "UNKNOWN"
	}
}

// Error carries a Kind plus an optional wrapped cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so
// errors.Is(err, otperr.ErrExpired) works through wrapping.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinel values, one per kind. Callers compare with errors.Is.
var (
	ErrInvalid             = &Error{Kind: KindInvalid, Msg: "invalid request or code"}
	ErrExpired             = &Error{Kind: KindExpired, Msg: "code has expired"}
	ErrAlreadyUsed         = &Error{Kind: KindAlreadyUsed, Msg: "code has already been used"}
	ErrLocked              = &Error{Kind: KindLocked, Msg: "code is locked"}
	ErrAttemptsExceeded    = &Error{Kind: KindAttemptsExceeded, Msg: "maximum verification attempts exceeded"}
	ErrContextMismatch     = &Error{Kind: KindContextMismatch, Msg: "request context does not match issuance context"}
	ErrRateLimited         = &Error{Kind: KindRateLimited, Msg: "too many code requests"}
	ErrNotificationFailed  = &Error{Kind: KindNotificationFailed, Msg: "failed to deliver code"}
	ErrStorage             = &Error{Kind: KindStorage, Msg: "storage operation failed"}
	ErrMisconfiguredSecret = &Error{Kind: KindMisconfiguredSecret, Msg: "server secret is misconfigured"}
)

// New builds an error of the given kind with a custom message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from err, or KindUnknown when err does not
// carry one.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
