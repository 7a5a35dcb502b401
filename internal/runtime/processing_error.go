package runtime

import (
	"errors"
	"fmt"
)

// ProcessingKind tells the consumer how to treat a failed message.
type ProcessingKind int

const (
	// Malformed messages can never succeed; they are dead-lettered or dropped.
	Malformed ProcessingKind = iota + 1
	// Transient failures are retried and then redelivered by the broker.
	Transient
)

func (k ProcessingKind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case Transient:
		return "transient"
	default:
		return "unknown"
	}
}

// ProcessingError is the only error a Processor returns.
type ProcessingError struct {
	Kind      ProcessingKind
	MessageID string
	Err       error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s message %s: %v", e.Kind, e.MessageID, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// IsMalformed reports whether err is a Malformed ProcessingError.
func IsMalformed(err error) bool {
	var pe *ProcessingError
	return errors.As(err, &pe) && pe.Kind == Malformed
}

// IsTransient reports whether err should be retried. Errors that are not a
// ProcessingError, such as recovered panics, count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	return !IsMalformed(err)
}
