// Package transport defines the backend-neutral publisher/subscriber pair the
// consumer runs on. Each backend (servicebus, eventhub, rabbitmq, kafka and
// the in-memory channel) lives in its own sub-package and registers a Builder
// with a Registry.
package transport

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Classify maps a native publish error onto a Kind. Nil treats every
	// failure as Unreachable.
	Classify func(error) Kind
}

// Close closes the subscriber then the publisher. The channel transport
// shares one value for both and tolerates the second call.
func (t Transport) Close() error {
	var firstErr error
	if t.Subscriber != nil {
		firstErr = t.Subscriber.Close()
	}
	if t.Publisher != nil {
		if err := t.Publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Builder is the function signature for creating a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config provides the configuration values needed by transports without
// depending on the full config package.
type Config interface {
	GetEventsSystem() string

	// Service Bus
	GetServiceBusConnectionString() string
	GetServiceBusSubscription() string
	GetServiceBusMaxMessages() int

	// Event Hubs
	GetEventHubConnectionString() string
	GetEventHubConsumerGroup() string

	// RabbitMQ
	GetRabbitMQURL() string
	GetRabbitMQQueueSuffix() string

	// Kafka
	GetKafkaBrokers() []string
	GetKafkaConsumerGroup() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
