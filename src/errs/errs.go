// Package errs classifies the errors raised by the reading pipeline.
//
// Configuration errors abort construction, InvalidState errors report API misuse to the
// caller, Capacity errors report lost data while processing continues and Transport errors
// are logged and retried by the subscription state machine.
package errs

import (
	"errors"
	"fmt"
)

type Kind int

const (
	Configuration Kind = iota
	InvalidState
	Capacity
	Transport
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case InvalidState:
		return "invalid state"
	case Capacity:
		return "capacity"
	case Transport:
		return "transport"
	default:
		return "unknown"
	}
}

var (
	ErrConfiguration    = errors.New("invalid configuration")
	ErrInvalidState     = errors.New("invalid state")
	ErrCapacityExceeded = errors.New("capacity exceeded")
	ErrTransport        = errors.New("transport failure")
)

func (k Kind) sentinel() error {
	switch k {
	case Configuration:
		return ErrConfiguration
	case InvalidState:
		return ErrInvalidState
	case Capacity:
		return ErrCapacityExceeded
	default:
		return ErrTransport
	}
}

// Error is a kind tagged error. errors.Is matches both the wrapped error and the
// sentinel of its kind.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func New(kind Kind, op string, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the kind of err and false when err carries no kind.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
