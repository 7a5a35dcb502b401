package runtime

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/identityhistory/envelope"
	errspkg "github.com/drblury/identityhistory/internal/runtime/errors"
	"github.com/drblury/identityhistory/transport"
)

// Sender delivers one envelope.
type Sender interface {
	Send(ctx context.Context, topic string, env envelope.Envelope) error
}

// Producer sends envelopes through a transport publisher. It needs no
// subscriber, so it can run before any consumer exists.
type Producer struct {
	publisher message.Publisher
	classify  func(error) transport.Kind
}

// NewProducer wraps the publisher of tr.
func NewProducer(tr transport.Transport) (*Producer, error) {
	if tr.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	return &Producer{publisher: tr.Publisher, classify: tr.Classify}, nil
}

// Send publishes env to topic and returns once the backend accepted it.
// Failures are *transport.Error classified as Unreachable or Rejected.
func (p *Producer) Send(ctx context.Context, topic string, env envelope.Envelope) error {
	if topic == "" {
		return errspkg.ErrTopicRequired
	}
	msg := env.ToMessage()
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := p.publisher.Publish(topic, msg); err != nil {
		return transport.NewError(topic, err, p.classify)
	}
	return nil
}
