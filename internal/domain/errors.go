package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a domain failure. The boundary maps kinds to a small fixed
// set of responses; Reason stays internal.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindAccountState
	KindInvalidCredential
	KindRefreshTokenInvalid
	KindChallengeInvalid
	KindPermissionDenied
	KindNotFound
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAccountState:
		return "account_state"
	case KindInvalidCredential:
		return "invalid_credential"
	case KindRefreshTokenInvalid:
		return "refresh_token_invalid"
	case KindChallengeInvalid:
		return "challenge_invalid"
	case KindPermissionDenied:
		return "permission_denied"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	default:
		return "unknown"
	}
}

// Error is a business-rule failure. Two Errors match under errors.Is when their
// kinds are equal, so callers compare against the Err* sentinels.
type Error struct {
	Kind   Kind
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Reason == "" || t.Reason == e.Reason)
}

// Sentinels for errors.Is.
var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrAccountState        = &Error{Kind: KindAccountState}
	ErrInvalidCredential   = &Error{Kind: KindInvalidCredential}
	ErrRefreshTokenInvalid = &Error{Kind: KindRefreshTokenInvalid}
	ErrChallengeInvalid    = &Error{Kind: KindChallengeInvalid}
	ErrPermissionDenied    = &Error{Kind: KindPermissionDenied}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrConflict            = &Error{Kind: KindConflict}
)

// Internal reasons, logged but never returned to clients.
const (
	ReasonTheftDetected    = "theft_detected"
	ReasonSessionRevoked   = "session_revoked"
	ReasonSessionExpired   = "session_expired"
	ReasonSessionNotFound  = "session_not_found"
	ReasonMalformedToken   = "malformed_token"
	ReasonRotationRace     = "rotation_race"
	ReasonChallengeReused  = "challenge_reused"
	ReasonChallengeExpired = "challenge_expired"
	ReasonChallengeType    = "challenge_type_mismatch"
	ReasonChallengeOwner   = "challenge_owner_mismatch"
	ReasonCounterRegressed = "counter_regression"
	ReasonBadSignature     = "bad_signature"
	ReasonAccountLocked    = "account_locked"
	ReasonAccountSuspended = "account_suspended"
	ReasonAccountInactive  = "account_deactivated"
	ReasonBadPassword      = "bad_password"
	ReasonUnknownAccount   = "unknown_account"
	ReasonKeyRevoked       = "api_key_revoked"
	ReasonKeyExpired       = "api_key_expired"
)

// Errorf builds an Error of the given kind with a formatted reason.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and reason to err.
func Wrap(kind Kind, reason string, err error) error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// ValidationError reports malformed input.
func ValidationError(format string, args ...any) error {
	return Errorf(KindValidation, format, args...)
}

// StateError reports an illegal account transition or state.
func StateError(format string, args ...any) error {
	return Errorf(KindAccountState, format, args...)
}

// KindOf returns the kind of the first domain Error in err's chain, or
// KindUnknown for infrastructure failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// ReasonOf returns the internal reason of the first domain Error in err's chain.
func ReasonOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}
