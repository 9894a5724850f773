package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a failure so callers can branch on it.
type Kind int

const (
	KindInfrastructure Kind = iota
	KindInvariantViolation
	KindNotFound
	KindNotAuthenticated
	KindNotAuthorized
	KindNotOwner
	KindNotSelf
	KindInvalidCredentials
	KindEmailAlreadyInUse
	KindWeakPassword
	KindTooManyRequests
	KindUserDisabled
	KindSessionExpired
	KindInviteInvalid
	KindInviteAlreadyAccepted
	KindInviteRevoked
	KindRaceDetected
)

func (k Kind) String() string {
	switch k {
	case KindInfrastructure:
		return "infrastructure"
	case KindInvariantViolation:
		return "invariant_violation"
	case KindNotFound:
		return "not_found"
	case KindNotAuthenticated:
		return "not_authenticated"
	case KindNotAuthorized:
		return "not_authorized"
	case KindNotOwner:
		return "not_owner"
	case KindNotSelf:
		return "not_self"
	case KindInvalidCredentials:
		return "invalid_credentials"
	case KindEmailAlreadyInUse:
		return "email_already_in_use"
	case KindWeakPassword:
		return "weak_password"
	case KindTooManyRequests:
		return "too_many_requests"
	case KindUserDisabled:
		return "user_disabled"
	case KindSessionExpired:
		return "session_expired"
	case KindInviteInvalid:
		return "invite_invalid"
	case KindInviteAlreadyAccepted:
		return "invite_already_accepted"
	case KindInviteRevoked:
		return "invite_revoked"
	case KindRaceDetected:
		return "race_detected"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Retryable reports whether the caller may try the same request later.
func (k Kind) Retryable() bool {
	return k == KindTooManyRequests
}

// Error is the single error type surfaced by the access layer.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	// Rule names the violated invariant for KindInvariantViolation.
	Rule    string
	Context map[string]string
	Cause   error
	// Compensation holds the rollback failure when best-effort compensation
	// did not complete. The primary failure is still Kind/Cause.
	Compensation error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Code != "" {
		b.WriteString("[" + e.Code + "]")
	}
	if e.Message != "" {
		b.WriteString(": " + e.Message)
	}
	if e.Rule != "" {
		b.WriteString(" (rule " + e.Rule + ")")
	}
	if e.Cause != nil {
		b.WriteString(": " + e.Cause.Error())
	}
	if e.Compensation != nil {
		b.WriteString("; compensation failed: " + e.Compensation.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by kind, and by code when the target sets one.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind != t.Kind {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// WithContext returns a copy carrying an extra context entry.
func (e *Error) WithContext(key, value string) *Error {
	out := *e
	out.Context = make(map[string]string, len(e.Context)+1)
	for k, v := range e.Context {
		out.Context[k] = v
	}
	out.Context[key] = value
	return &out
}

// NewError builds an error of the given kind.
func NewError(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// WrapError builds an error of the given kind around a cause.
func WrapError(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: cause}
}

// Violation builds an invariant violation for rule.
func Violation(rule, message string, context map[string]string) *Error {
	return &Error{
		Kind:    KindInvariantViolation,
		Code:    "invariant",
		Message: message,
		Rule:    rule,
		Context: context,
	}
}

// Infrastructure wraps a storage or transport failure.
func Infrastructure(op string, cause error) *Error {
	return &Error{Kind: KindInfrastructure, Code: "infrastructure", Message: op, Cause: cause}
}

// KindOf classifies err. Errors outside the taxonomy are infrastructure.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInfrastructure
}

// IsKind reports whether err classifies as kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RuleOf returns the violated rule name, if err is an invariant violation.
func RuleOf(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Kind == KindInvariantViolation {
		return de.Rule
	}
	return ""
}

// WithCompensation attaches a rollback failure to primary without replacing it.
func WithCompensation(primary, compensation error) error {
	if compensation == nil {
		return primary
	}
	var de *Error
	if errors.As(primary, &de) {
		out := *de
		out.Compensation = errors.Join(de.Compensation, compensation)
		return &out
	}
	return &Error{
		Kind:         KindInfrastructure,
		Code:         "infrastructure",
		Cause:        primary,
		Compensation: compensation,
	}
}

// Sentinels for errors.Is checks.
var (
	ErrNotFound              = NewError(KindNotFound, "not_found", "record not found")
	ErrDuplicateID           = NewError(KindRaceDetected, "duplicate_id", "record id already exists")
	ErrEmailAlreadyInUse     = NewError(KindEmailAlreadyInUse, "email_in_use", "email already in use")
	ErrOwnerBootstrapRace    = NewError(KindRaceDetected, "owner_bootstrap_race", "another owner was bootstrapped concurrently")
	ErrIdentityAlreadyLinked = NewError(KindRaceDetected, "identity_already_linked", "identity is linked to a different user")
	ErrOrphanAccount         = NewError(KindInvalidCredentials, "orphan_account", "credential has no user record")
	ErrNotAuthenticated      = NewError(KindNotAuthenticated, "not_authenticated", "no authenticated session")
	ErrUserDisabled          = NewError(KindUserDisabled, "user_disabled", "user is disabled")
	ErrSessionExpired        = NewError(KindSessionExpired, "session_expired", "session expired")
	ErrInvalidCredentials    = NewError(KindInvalidCredentials, "invalid_credentials", "invalid email or password")
	ErrInviteInvalid         = NewError(KindInviteInvalid, "invite_invalid", "no pending invite for this email")
	ErrInviteAlreadyAccepted = NewError(KindInviteAlreadyAccepted, "invite_already_accepted", "invite already accepted")
	ErrInviteRevoked         = NewError(KindInviteRevoked, "invite_revoked", "invite was revoked")
	ErrTooManyRequests       = NewError(KindTooManyRequests, "too_many_requests", "too many attempts, try again later")
)
