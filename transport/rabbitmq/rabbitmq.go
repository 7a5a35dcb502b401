// Package rabbitmq provides a RabbitMQ/AMQP transport on watermill-amqp.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/identityhistory/transport"
)

// TransportName is the EventsSystem value selecting this transport.
const TransportName = "rabbitmq"

// ConnectionFactory allows overriding the connection creation for testing.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// closeConnection is overridable so tests can use an unconnected wrapper.
var closeConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

// Register adds the RabbitMQ transport to r.
func Register(r *transport.Registry) {
	r.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build creates a new RabbitMQ transport. Every topic maps to a durable
// fanout exchange; the consumer reads from the durable queue
// "<topic>_<QueueSuffix>" bound to it.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	if url == "" {
		return transport.Transport{}, errors.New("rabbitmq: URL is required")
	}

	amqpConfig := amqp.NewDurablePubSubConfig(url, QueueNameGenerator(cfg.GetRabbitMQQueueSuffix()))

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		TLSConfig: nil,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = closeConnection(conn)
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = publisher.Close()
		_ = closeConnection(conn)
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  &connPublisher{Publisher: publisher, conn: conn},
		Subscriber: subscriber,
		Classify:   Classify,
	}, nil
}

// QueueNameGenerator names consumer queues "<topic>_<suffix>", or after the
// topic alone when suffix is empty.
func QueueNameGenerator(suffix string) amqp.QueueNameGenerator {
	if suffix == "" {
		return amqp.GenerateQueueNameTopicName
	}
	return amqp.GenerateQueueNameTopicNameWithSuffix(suffix)
}

// connPublisher closes the shared connection after the publisher, which is
// closed last by transport.Transport.Close.
type connPublisher struct {
	message.Publisher
	conn *amqp.ConnectionWrapper
}

func (p *connPublisher) Close() error {
	return errors.Join(p.Publisher.Close(), closeConnection(p.conn))
}

// Classify reports AMQP channel errors that refuse the exchange or payload
// as Rejected.
func Classify(err error) transport.Kind {
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp091.AccessRefused, amqp091.NotFound, amqp091.PreconditionFailed:
			return transport.Rejected
		}
	}
	return transport.Unreachable
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
