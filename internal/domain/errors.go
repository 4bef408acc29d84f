package domain

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindPaymentRequired     Kind = "payment_required"
	KindInvalidSignature    Kind = "invalid_signature"
	KindSessionNotFound     Kind = "session_not_found"
	KindTokenNotReady       Kind = "token_not_ready"
	KindTokenNotFound       Kind = "token_not_found"
	KindTokenExpired        Kind = "token_expired"
	KindTokenConsumed       Kind = "token_consumed"
	KindArtifactInvalid     Kind = "artifact_invalid"
	KindArtifactNotFound    Kind = "artifact_not_found"
	KindExecutionTimeout    Kind = "execution_timeout"
	KindExecutionFailure    Kind = "execution_failure"
	KindResponseTooLarge    Kind = "response_too_large"
	KindStorageUnavailable  Kind = "storage_unavailable"
	KindProviderUnavailable Kind = "provider_unavailable"
	KindUnauthorized        Kind = "unauthorized"
	KindRateLimited         Kind = "rate_limited"
	KindInvalidInput        Kind = "invalid_input"
)

// Error is a classified failure. Two Errors match under errors.Is when
// their kinds match, so the package-level sentinels work as categories.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, Cause: cause}
}

// KindOf reports the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// PublicMessage is the text safe to show a caller: the Message of the first
// *Error in err's chain, without its Cause. Unclassified errors get a
// generic text.
func PublicMessage(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Message != "" {
		return de.Message
	}
	return "internal error"
}

var (
	ErrPaymentRequired     = &Error{Kind: KindPaymentRequired, Message: "payment required"}
	ErrInvalidSignature    = &Error{Kind: KindInvalidSignature, Message: "invalid webhook signature"}
	ErrSessionNotFound     = &Error{Kind: KindSessionNotFound, Message: "payment session not found"}
	ErrTokenNotReady       = &Error{Kind: KindTokenNotReady, Message: "payment token not ready"}
	ErrTokenNotFound       = &Error{Kind: KindTokenNotFound, Message: "payment token not found"}
	ErrTokenExpired        = &Error{Kind: KindTokenExpired, Message: "payment token expired"}
	ErrTokenConsumed       = &Error{Kind: KindTokenConsumed, Message: "payment token already used"}
	ErrArtifactInvalid     = &Error{Kind: KindArtifactInvalid, Message: "artifact invalid"}
	ErrArtifactNotFound    = &Error{Kind: KindArtifactNotFound, Message: "artifact not found"}
	ErrExecutionTimeout    = &Error{Kind: KindExecutionTimeout, Message: "execution timed out"}
	ErrExecutionFailure    = &Error{Kind: KindExecutionFailure, Message: "execution failed"}
	ErrResponseTooLarge    = &Error{Kind: KindResponseTooLarge, Message: "response too large"}
	ErrStorageUnavailable  = &Error{Kind: KindStorageUnavailable, Message: "storage unavailable"}
	ErrProviderUnavailable = &Error{Kind: KindProviderUnavailable, Message: "payment provider unavailable"}
	ErrUnauthorized        = &Error{Kind: KindUnauthorized, Message: "unauthorized"}
	ErrRateLimited         = &Error{Kind: KindRateLimited, Message: "rate limited"}
	ErrInvalidInput        = &Error{Kind: KindInvalidInput, Message: "invalid input"}
)
