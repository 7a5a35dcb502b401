package transport

import (
	"errors"
	"fmt"
)

// Kind classifies a send failure.
type Kind int

const (
	// Unreachable covers connection and availability failures.
	Unreachable Kind = iota + 1
	// Rejected means the broker refused the topic or the payload.
	Rejected
)

func (k Kind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

var (
	ErrUnreachable = errors.New("transport: broker unreachable")
	ErrRejected    = errors.New("transport: broker rejected message")
)

// Error is returned by a producer when a send fails.
type Error struct {
	Kind  Kind
	Topic string
	Err   error
}

// NewError classifies err with classify, falling back to Unreachable.
func NewError(topic string, err error, classify func(error) Kind) *Error {
	kind := Unreachable
	if classify != nil {
		if k := classify(err); k != 0 {
			kind = k
		}
	}
	return &Error{Kind: kind, Topic: topic, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: send to %q %s: %v", e.Topic, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches ErrUnreachable and ErrRejected by kind.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrUnreachable:
		return e.Kind == Unreachable
	case ErrRejected:
		return e.Kind == Rejected
	default:
		return false
	}
}
