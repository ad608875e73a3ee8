// ABOUTME: Typed error kinds shared by the controller, resolver and remote client
// ABOUTME: Callers branch on Kind instead of string matching error messages

package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide how to surface it.
type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindCircuitOpen
	KindService
	KindRateLimited
	KindPermissionDenied
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindCircuitOpen:
		return "circuit_open"
	case KindService:
		return "service"
	case KindRateLimited:
		return "rate_limit_exceeded"
	case KindPermissionDenied:
		return "permission_denied"
	default:
		return "internal"
	}
}

// Sentinels for errors.Is matching against any *Error of the same kind.
var (
	ErrValidation       = &Error{Kind: KindValidation, Message: "validation failed"}
	ErrNotFound         = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict         = &Error{Kind: KindConflict, Message: "conflict"}
	ErrCircuitOpen      = &Error{Kind: KindCircuitOpen, Message: "circuit open"}
	ErrService          = &Error{Kind: KindService, Message: "service error"}
	ErrRateLimited      = &Error{Kind: KindRateLimited, Message: "rate limit exceeded"}
	ErrPermissionDenied = &Error{Kind: KindPermissionDenied, Message: "permission denied"}
)

// Error is a classified failure. Err, when set, is the underlying cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error

	// RemainingHour and RemainingDay are populated for KindRateLimited.
	// A negative value means the window has no cap.
	RemainingHour int
	RemainingDay  int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind with a message prefix.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

func PermissionDenied(format string, args ...any) *Error {
	return New(KindPermissionDenied, format, args...)
}

// CircuitOpen reports that the breaker for server is tripped.
func CircuitOpen(server string) *Error {
	return New(KindCircuitOpen, "circuit breaker open for server %s", server)
}

// Service wraps the last error seen after the retry budget ran out.
func Service(err error, format string, args ...any) *Error {
	return Wrap(KindService, err, format, args...)
}

// RateLimited reports an exhausted quota with what is left in each window.
func RateLimited(remainingHour, remainingDay int) *Error {
	return &Error{
		Kind:          KindRateLimited,
		Message:       "rate limit exceeded",
		RemainingHour: remainingHour,
		RemainingDay:  remainingDay,
	}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
