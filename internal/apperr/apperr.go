// Package apperr is the error taxonomy shared by the paymaster components.
// Expected failures travel as *Error values; handlers map Kind to a status.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	Validation          Kind = "validation"
	NotFoundOnChain     Kind = "not_found_on_chain"
	WrongDestination    Kind = "wrong_destination"
	WrongPayer          Kind = "wrong_payer"
	InsufficientAmount  Kind = "insufficient_amount"
	AlreadyClaimed      Kind = "already_claimed"
	InsufficientCredits Kind = "insufficient_credits"
	RPCUnavailable      Kind = "rpc_unavailable"
	InvalidSignature    Kind = "invalid_signature"
	InvalidTokenType    Kind = "invalid_token_type"
	Unauthenticated     Kind = "unauthenticated"
	Forbidden           Kind = "forbidden"
	UserNotFound        Kind = "user_not_found"
	Conflict            Kind = "conflict"
	Upstream            Kind = "upstream"
	Config              Kind = "config"
	Internal            Kind = "internal"
)

type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	case e.Message != "":
		return e.Message
	case e.Err != nil:
		return e.Err.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, apperr.New(kind, ""))
// works as a kind test.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && t.Message == ""
	}
	return false
}

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the outermost *Error in the chain, or Internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsRetryable reports whether the caller may try the same request later.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case NotFoundOnChain, RPCUnavailable, Upstream:
		return true
	}
	return false
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation, InvalidSignature:
		return http.StatusBadRequest
	case Unauthenticated, InvalidTokenType:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case UserNotFound:
		return http.StatusNotFound
	case NotFoundOnChain:
		return http.StatusAccepted
	case Conflict, AlreadyClaimed:
		return http.StatusConflict
	case InsufficientCredits:
		return http.StatusPaymentRequired
	case WrongDestination, WrongPayer, InsufficientAmount:
		return http.StatusUnprocessableEntity
	case Upstream:
		return http.StatusBadGateway
	case RPCUnavailable, Config:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsSuspicious marks payment rejections that are logged for review.
func IsSuspicious(err error) bool {
	switch KindOf(err) {
	case WrongDestination, WrongPayer, InsufficientAmount:
		return true
	}
	return false
}
