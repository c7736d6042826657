package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure so the HTTP layer can pick a status code.
type Kind string

const (
	KindNotFound      Kind = "NOT_FOUND"
	KindAuthorization Kind = "AUTHORIZATION"
	KindInvalidState  Kind = "INVALID_STATE"
	KindConflict      Kind = "CONFLICT"
	KindIntegrity     Kind = "INTEGRITY"
	KindSettlement    Kind = "SETTLEMENT"
	KindValidation    Kind = "VALIDATION"
	KindSelfPurchase  Kind = "SELF_PURCHASE"
	KindTokenInvalid  Kind = "TOKEN_INVALID"
	KindTokenExpired  Kind = "TOKEN_EXPIRED"
)

// Error is the structured error returned by every service in this module.
type Error struct {
	Kind      Kind
	Message   string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on Kind, so errors.Is(err, ErrConflict) works for any conflict.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Message == ""
}

// Sentinels for errors.Is; they carry no message.
var (
	ErrNotFound      = &Error{Kind: KindNotFound}
	ErrAuthorization = &Error{Kind: KindAuthorization}
	ErrInvalidState  = &Error{Kind: KindInvalidState}
	ErrConflict      = &Error{Kind: KindConflict}
	ErrIntegrity     = &Error{Kind: KindIntegrity}
	ErrSettlement    = &Error{Kind: KindSettlement}
	ErrValidation    = &Error{Kind: KindValidation}
	ErrSelfPurchase  = &Error{Kind: KindSelfPurchase}
	ErrTokenInvalid  = &Error{Kind: KindTokenInvalid}
	ErrTokenExpired  = &Error{Kind: KindTokenExpired}
)

func NotFound(msg string) error { return &Error{Kind: KindNotFound, Message: msg} }
func Unauthorized(msg string) error { return &Error{Kind: KindAuthorization, Message: msg} }
func InvalidState(msg string) error { return &Error{Kind: KindInvalidState, Message: msg} }
func Conflict(msg string) error { return &Error{Kind: KindConflict, Message: msg} }
func Validation(msg string) error { return &Error{Kind: KindValidation, Message: msg} }
func SelfPurchase(msg string) error { return &Error{Kind: KindSelfPurchase, Message: msg} }
func TokenInvalid(msg string) error { return &Error{Kind: KindTokenInvalid, Message: msg} }
func TokenExpired(msg string) error { return &Error{Kind: KindTokenExpired, Message: msg} }

func Integrity(msg string, err error) error {
	return &Error{Kind: KindIntegrity, Message: msg, Err: err}
}

// Settlement wraps a settlement failure. retryable is true for timeouts and
// unreachable providers, false once the provider reported the payment failed.
func Settlement(msg string, retryable bool, err error) error {
	return &Error{Kind: KindSettlement, Message: msg, Retryable: retryable, Err: err}
}

// KindOf returns the Kind of err, or "" for errors that did not originate here.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// MessageOf returns the caller-facing message of a domain error.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return err.Error()
}
