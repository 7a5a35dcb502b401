// Package envelope defines the wire-level unit carried by every transport
// backend and the identity events decoded from it.
//
// An Envelope maps onto a Watermill message: the payload becomes the message
// body and the routing attributes travel as metadata, so every backend's
// native marshaler (Kafka headers, AMQP headers, Service Bus application
// properties) carries them without knowing about identity events.
package envelope

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/ThreeDotsLabs/watermill/message"

	idspkg "github.com/drblury/identityhistory/internal/runtime/ids"
)

// Metadata keys reserved by the envelope codec.
const (
	MetadataKeyType          = "message_type"
	MetadataKeyCorrelationID = "correlation_id"
	MetadataKeySequence      = "sequence"
)

// TypeTopicCheck tags the readiness marker. It never reaches business logic.
const TypeTopicCheck = "TopicCheck"

var (
	ErrTypeRequired    = errors.New("envelope: message type is required")
	ErrMessageRequired = errors.New("envelope: message is required")
)

// Envelope is an immutable transport message. Build it with New or
// NewReadinessMarker; the zero value is not a valid envelope.
type Envelope struct {
	messageID     string
	topic         string
	typ           string
	payload       []byte
	correlationID string
	sequence      *uint64
}

// Option customises an Envelope during construction.
type Option func(*Envelope)

// WithCorrelationID sets the correlation identifier.
func WithCorrelationID(id string) Option {
	return func(e *Envelope) { e.correlationID = id }
}

// WithSequence sets the producer-assigned sequence number.
func WithSequence(seq uint64) Option {
	return func(e *Envelope) {
		s := seq
		e.sequence = &s
	}
}

// WithMessageID overrides the generated message ID.
func WithMessageID(id string) Option {
	return func(e *Envelope) {
		if id != "" {
			e.messageID = id
		}
	}
}

// New builds an envelope for the given topic and type tag. The payload is
// copied so later mutation by the caller cannot leak into the envelope.
func New(topic, typ string, payload []byte, opts ...Option) (Envelope, error) {
	if typ == "" {
		return Envelope{}, ErrTypeRequired
	}
	e := Envelope{
		messageID: idspkg.CreateULID(),
		topic:     topic,
		typ:       typ,
		payload:   cloneBytes(payload),
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e, nil
}

// NewReadinessMarker builds the zero-payload TopicCheck envelope.
func NewReadinessMarker(topic string) Envelope {
	return Envelope{
		messageID: idspkg.CreateULID(),
		topic:     topic,
		typ:       TypeTopicCheck,
	}
}

func (e Envelope) MessageID() string     { return e.messageID }
func (e Envelope) Topic() string         { return e.topic }
func (e Envelope) Type() string          { return e.typ }
func (e Envelope) CorrelationID() string { return e.correlationID }

// Payload returns a copy of the message body.
func (e Envelope) Payload() []byte { return cloneBytes(e.payload) }

// Sequence returns the producer sequence number, if one was set.
func (e Envelope) Sequence() (uint64, bool) {
	if e.sequence == nil {
		return 0, false
	}
	return *e.sequence, true
}

// IsReadinessMarker reports whether the envelope is a TopicCheck marker.
func (e Envelope) IsReadinessMarker() bool {
	return e.typ == TypeTopicCheck
}

// ToMessage converts the envelope into a Watermill message.
func (e Envelope) ToMessage() *message.Message {
	id := e.messageID
	if id == "" {
		id = idspkg.CreateULID()
	}
	msg := message.NewMessage(id, cloneBytes(e.payload))
	msg.Metadata.Set(MetadataKeyType, e.typ)
	if e.correlationID != "" {
		msg.Metadata.Set(MetadataKeyCorrelationID, e.correlationID)
	}
	if e.sequence != nil {
		msg.Metadata.Set(MetadataKeySequence, strconv.FormatUint(*e.sequence, 10))
	}
	return msg
}

// FromMessage rebuilds an envelope from a delivered Watermill message. An
// unparsable sequence is an error so the caller can treat it as malformed.
func FromMessage(topic string, msg *message.Message) (Envelope, error) {
	if msg == nil {
		return Envelope{}, ErrMessageRequired
	}
	typ := msg.Metadata.Get(MetadataKeyType)
	if typ == "" {
		return Envelope{}, ErrTypeRequired
	}
	e := Envelope{
		messageID:     msg.UUID,
		topic:         topic,
		typ:           typ,
		payload:       cloneBytes(msg.Payload),
		correlationID: msg.Metadata.Get(MetadataKeyCorrelationID),
	}
	if raw := msg.Metadata.Get(MetadataKeySequence); raw != "" {
		seq, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Envelope{}, fmt.Errorf("envelope: invalid sequence %q: %w", raw, err)
		}
		e.sequence = &seq
	}
	return e, nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
