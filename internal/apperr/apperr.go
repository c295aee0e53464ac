package apperr

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind is the closed set of failure categories surfaced by the account
// security flows.
type Kind string

const (
	Validation         Kind = "validation"
	IdentityConflict   Kind = "identity_conflict"
	InvalidCredentials Kind = "invalid_credentials"
	RateLimited        Kind = "rate_limited"
	TokenExpired       Kind = "token_expired"
	TokenInvalid       Kind = "token_invalid"
	TamperDetected     Kind = "tamper_detected"
	DependencyFailure  Kind = "dependency_failure"
)

// Error carries a Kind together with a caller-safe message and the
// underlying cause, which is never shown to clients.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	// Budget is set on login failures that passed admission.
	Budget *Budget
	Err    error
}

// Budget reports how many login attempts a client origin has left in the
// current window and when that window resets.
type Budget struct {
	Remaining int
	ResetAt   time.Time
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an error of the given kind around cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// NewRateLimited creates a RateLimited error. retryAfter is the time until the
// caller may try again.
func NewRateLimited(retryAfter time.Duration) *Error {
	return &Error{
		Kind:       RateLimited,
		Message:    "too many attempts, try again later",
		RetryAfter: retryAfter,
	}
}

// WithBudget attaches b to e and returns e.
func (e *Error) WithBudget(b Budget) *Error {
	e.Budget = &b
	return e
}

// KindOf reports the Kind of err. Errors outside the taxonomy are
// DependencyFailure.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return DependencyFailure
}

// As extracts *Error from err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// RetryAfterSeconds rounds d up to whole seconds, never less than one.
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

// Security reports whether errors of this kind must be logged as security
// events at elevated severity.
func (k Kind) Security() bool {
	return k == TamperDetected
}
