package servicebus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

const closeTimeout = 10 * time.Second

var errClosed = errors.New("servicebus: closed")

// Publisher sends Watermill messages to a queue or topic, caching one sender
// per entity.
type Publisher struct {
	client Client
	logger watermill.LoggerAdapter

	mu      sync.Mutex
	senders map[string]Sender
	closed  bool
}

func NewPublisher(client Client, logger watermill.LoggerAdapter) *Publisher {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Publisher{
		client:  client,
		logger:  logger,
		senders: make(map[string]Sender),
	}
}

// Publish sends the messages in order and returns on the first failure.
func (p *Publisher) Publish(topic string, messages ...*message.Message) error {
	sender, err := p.sender(topic)
	if err != nil {
		return err
	}
	for _, msg := range messages {
		if err := sender.SendMessage(msg.Context(), ToMessage(msg), nil); err != nil {
			return fmt.Errorf("servicebus: send message %s to %s: %w", msg.UUID, topic, err)
		}
		p.logger.Trace("Message sent to Service Bus", watermill.LogFields{"topic": topic, "message_uuid": msg.UUID})
	}
	return nil
}

func (p *Publisher) sender(topic string) (Sender, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, errClosed
	}
	if s, ok := p.senders[topic]; ok {
		return s, nil
	}
	s, err := p.client.NewSender(topic)
	if err != nil {
		return nil, fmt.Errorf("servicebus: open sender for %s: %w", topic, err)
	}
	p.senders[topic] = s
	return s, nil
}

// Close closes every sender and then the shared client.
func (p *Publisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	senders := p.senders
	p.senders = nil
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	for topic, s := range senders {
		if err := s.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("servicebus: close sender for %s: %w", topic, err))
		}
	}
	if err := p.client.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("servicebus: close client: %w", err))
	}
	return errors.Join(errs...)
}
