package grants

import (
	"errors"
	"fmt"
)

// Kind classifies why a transition was rejected.
type Kind string

const (
	KindNotFound            Kind = "not_found"
	KindOrderingViolation   Kind = "ordering_violation"
	KindAlreadyTransitioned Kind = "already_transitioned"
	KindUnauthorized        Kind = "unauthorized"
	KindVerificationFailed  Kind = "verification_failed"
	KindValidationFailed    Kind = "validation_failed"
	KindFeatureDisabled     Kind = "feature_disabled"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindConflict            Kind = "conflict"
	KindInternal            Kind = "internal"
)

// Error is a structured rejection. Message is safe to show to clients;
// the wrapped cause is not.
type Error struct {
	Kind    Kind              `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"errors,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

func newError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

func wrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// validationError carries field path to message pairs.
func validationError(fields map[string]string) *Error {
	return &Error{Kind: KindValidationFailed, Message: "invalid milestone data", Fields: fields}
}

// KindOf classifies err. Errors not produced by this package are internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	var te *TransitionError
	if errors.As(err, &te) {
		return te.Kind()
	}
	return KindInternal
}

// IsKind reports whether err is a rejection of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
