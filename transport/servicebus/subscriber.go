package servicebus

import (
	"context"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

const (
	DefaultMaxMessages = 10
	// DefaultReceiveRetryDelay is the pause after a failed receive call.
	DefaultReceiveRetryDelay = time.Second
)

type SubscriberConfig struct {
	// SubscriptionName selects the topic subscription. Empty reads the
	// subscribed name as a queue.
	SubscriptionName string
	// MaxMessages bounds one receive call.
	MaxMessages       int
	ReceiveRetryDelay time.Duration
}

func (c SubscriberConfig) withDefaults() SubscriberConfig {
	if c.MaxMessages <= 0 {
		c.MaxMessages = DefaultMaxMessages
	}
	if c.ReceiveRetryDelay <= 0 {
		c.ReceiveRetryDelay = DefaultReceiveRetryDelay
	}
	return c
}

// Subscriber delivers peek-locked messages one at a time and settles each
// one before handing out the next.
type Subscriber struct {
	client Client
	config SubscriberConfig
	logger watermill.LoggerAdapter

	closing   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewSubscriber(client Client, cfg SubscriberConfig, logger watermill.LoggerAdapter) *Subscriber {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Subscriber{
		client:  client,
		config:  cfg.withDefaults(),
		logger:  logger,
		closing: make(chan struct{}),
	}
}

// Subscribe opens a receiver on topic. The returned channel closes when ctx
// is cancelled or the subscriber is closed.
func (s *Subscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-s.closing:
		return nil, errClosed
	default:
	}

	receiver, err := s.client.NewReceiver(topic, s.config.SubscriptionName)
	if err != nil {
		return nil, err
	}

	logger := s.logger.With(watermill.LogFields{"topic": topic, "subscription": s.config.SubscriptionName})
	out := make(chan *message.Message)
	ctx, cancel := context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer cancel()
		defer s.closeReceiver(receiver, logger)
		s.receive(ctx, receiver, out, logger)
	}()
	go func() {
		select {
		case <-s.closing:
			cancel()
		case <-ctx.Done():
		}
	}()

	return out, nil
}

func (s *Subscriber) receive(ctx context.Context, receiver Receiver, out chan<- *message.Message, logger watermill.LoggerAdapter) {
	for ctx.Err() == nil {
		batch, err := receiver.ReceiveMessages(ctx, s.config.MaxMessages, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("Cannot receive from Service Bus", err, nil)
			select {
			case <-time.After(s.config.ReceiveRetryDelay):
			case <-ctx.Done():
				return
			}
			continue
		}

		for i, rm := range batch {
			if !s.deliver(ctx, receiver, rm, out, logger) {
				for _, rest := range batch[i+1:] {
					s.settle(receiver, rest, false, logger)
				}
				return
			}
		}
	}
}

// deliver hands one message to the router and settles it by the outcome.
// It returns false when the subscription is shutting down.
func (s *Subscriber) deliver(ctx context.Context, receiver Receiver, rm *azservicebus.ReceivedMessage, out chan<- *message.Message, logger watermill.LoggerAdapter) bool {
	msg := FromReceived(rm)
	msgCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	msg.SetContext(msgCtx)

	select {
	case out <- msg:
	case <-ctx.Done():
		s.settle(receiver, rm, false, logger)
		return false
	}

	select {
	case <-msg.Acked():
		s.settle(receiver, rm, true, logger)
		return true
	case <-msg.Nacked():
		s.settle(receiver, rm, false, logger)
		return true
	case <-ctx.Done():
		s.settle(receiver, rm, false, logger)
		return false
	}
}

// settle completes or abandons rm. A failure only costs a redelivery once
// the lock expires, so it is logged and not propagated.
func (s *Subscriber) settle(receiver Receiver, rm *azservicebus.ReceivedMessage, complete bool, logger watermill.LoggerAdapter) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	fields := watermill.LogFields{"message_uuid": rm.MessageID, "delivery_count": rm.DeliveryCount}
	if complete {
		if err := receiver.CompleteMessage(ctx, rm, nil); err != nil {
			logger.Error("Cannot complete Service Bus message", err, fields)
		}
		return
	}
	if err := receiver.AbandonMessage(ctx, rm, nil); err != nil {
		logger.Error("Cannot abandon Service Bus message", err, fields)
	}
}

func (s *Subscriber) closeReceiver(receiver Receiver, logger watermill.LoggerAdapter) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := receiver.Close(ctx); err != nil {
		logger.Error("Cannot close Service Bus receiver", err, nil)
	}
}

// Close stops every receive loop and waits for in-flight settlements.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() {
		close(s.closing)
	})
	s.wg.Wait()
	return nil
}
