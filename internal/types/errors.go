package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure so callers can react without parsing messages.
type ErrorKind string

const (
	// KindValidation - malformed input, caught before any network call
	KindValidation ErrorKind = "ValidationError"
	// KindNotFound - referenced entity is absent
	KindNotFound ErrorKind = "NotFound"
	// KindUnauthenticated - credential missing or expired; re-authentication required
	KindUnauthenticated ErrorKind = "Unauthenticated"
	// KindForbidden - authenticated but not allowed
	KindForbidden ErrorKind = "Forbidden"
	// KindUpstreamUnavailable - network or API failure without entity semantics
	KindUpstreamUnavailable ErrorKind = "UpstreamUnavailable"
	// KindServerUnavailable - target server unknown or not online
	KindServerUnavailable ErrorKind = "ServerUnavailable"
	// KindAlreadyConnectedElsewhere - the store already holds an active connection
	KindAlreadyConnectedElsewhere ErrorKind = "AlreadyConnectedElsewhere"
	// KindOperationInProgress - a session transition is already pending
	KindOperationInProgress ErrorKind = "OperationInProgress"
	// KindSelfRoleChangeForbidden - an admin tried to change their own role
	KindSelfRoleChangeForbidden ErrorKind = "SelfRoleChangeForbidden"
	// KindConnectionFailed - connect/disconnect call failed at the API
	KindConnectionFailed ErrorKind = "ConnectionFailed"
	// KindStaleRead - a write succeeded but was not observed on re-fetch
	KindStaleRead ErrorKind = "StaleReadWarning"
)

// Error is the typed failure surfaced by every component.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is comparisons
var (
	ErrValidation                = &Error{Kind: KindValidation}
	ErrNotFound                  = &Error{Kind: KindNotFound}
	ErrUnauthenticated           = &Error{Kind: KindUnauthenticated}
	ErrForbidden                 = &Error{Kind: KindForbidden}
	ErrUpstreamUnavailable       = &Error{Kind: KindUpstreamUnavailable}
	ErrServerUnavailable         = &Error{Kind: KindServerUnavailable}
	ErrAlreadyConnectedElsewhere = &Error{Kind: KindAlreadyConnectedElsewhere}
	ErrOperationInProgress       = &Error{Kind: KindOperationInProgress}
	ErrSelfRoleChangeForbidden   = &Error{Kind: KindSelfRoleChangeForbidden}
	ErrConnectionFailed          = &Error{Kind: KindConnectionFailed}
	ErrStaleRead                 = &Error{Kind: KindStaleRead}
)

// NewError builds a typed error
func NewError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError builds a typed error around a cause
func WrapError(kind ErrorKind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in the chain, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsAuthFailure reports whether err requires re-authentication or is an authorization refusal.
func IsAuthFailure(err error) bool {
	switch KindOf(err) {
	case KindUnauthenticated, KindForbidden:
		return true
	default:
		return false
	}
}
