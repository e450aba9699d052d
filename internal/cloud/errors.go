package cloud

import (
	"errors"
	"fmt"
)

// Kind classifies a gateway failure.
type Kind int

const (
	// Invalid is a permanent failure with no more specific class.
	Invalid Kind = iota
	Unauthorized
	NotFound
	Throttled
	Conflict
	Unavailable
)

func (k Kind) String() string {
	switch k {
	case Unauthorized:
		return "unauthorized"
	case NotFound:
		return "not found"
	case Throttled:
		return "throttled"
	case Conflict:
		return "conflict"
	case Unavailable:
		return "unavailable"
	default:
		return "invalid"
	}
}

// Error is a classified gateway failure.
type Error struct {
	Kind Kind
	// Op is the provider operation, e.g. "ec2:CreateVpc".
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s): %s", e.Op, e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified error for op.
func NewError(kind Kind, op, code, message string) *Error {
	return &Error{Kind: kind, Op: op, Code: code, Message: message}
}

// KindOf returns the gateway kind of err, or Invalid when err is not a
// gateway error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Invalid
}

// Is reports whether err is a gateway error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// IsRetryable reports whether err is worth retrying with backoff.
func IsRetryable(err error) bool {
	k := KindOf(err)
	return k == Throttled || k == Unavailable
}

// OpOf returns the failing provider operation, if err carries one.
func OpOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}
