// Package kafka provides an Apache Kafka transport on watermill-kafka.
package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/identityhistory/transport"
)

// TransportName is the EventsSystem value selecting this transport.
const TransportName = "kafka"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg kafka.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return kafka.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg kafka.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return kafka.NewSubscriber(cfg, logger)
}

// Register adds the Kafka transport to r.
func Register(r *transport.Registry) {
	r.RegisterWithCapabilities(TransportName, Build, transport.KafkaCapabilities)
}

// Build creates a new Kafka transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	return NewTransport(Options{
		Brokers:       cfg.GetKafkaBrokers(),
		ConsumerGroup: cfg.GetKafkaConsumerGroup(),
	}, logger)
}

// Options are the broker settings shared by the kafka and eventhub transports.
type Options struct {
	Brokers       []string
	ConsumerGroup string
	// Configure adjusts both sarama configs, for example to enable SASL.
	Configure func(*sarama.Config)
}

// NewTransport builds a publisher and subscriber pair from opts.
func NewTransport(opts Options, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if len(opts.Brokers) == 0 {
		return transport.Transport{}, errors.New("kafka: at least one broker is required")
	}

	pubSarama := kafka.DefaultSaramaSyncPublisherConfig()
	subSarama := kafka.DefaultSaramaSubscriberConfig()
	// A new consumer group reads the topic from the start so events published
	// before the first deployment are not skipped.
	subSarama.Consumer.Offsets.Initial = sarama.OffsetOldest
	if opts.Configure != nil {
		opts.Configure(pubSarama)
		opts.Configure(subSarama)
	}

	publisher, err := PublisherFactory(
		kafka.PublisherConfig{
			Brokers:               opts.Brokers,
			Marshaler:             kafka.DefaultMarshaler{},
			OverwriteSaramaConfig: pubSarama,
		},
		logger,
	)
	if err != nil {
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(
		kafka.SubscriberConfig{
			Brokers:               opts.Brokers,
			Unmarshaler:           kafka.DefaultMarshaler{},
			ConsumerGroup:         opts.ConsumerGroup,
			OverwriteSaramaConfig: subSarama,
		},
		logger,
	)
	if err != nil {
		_ = publisher.Close()
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher:  publisher,
		Subscriber: subscriber,
		Classify:   Classify,
	}, nil
}

// Classify reports broker refusals of the topic or payload as Rejected.
func Classify(err error) transport.Kind {
	for _, rejected := range []error{
		sarama.ErrUnknownTopicOrPartition,
		sarama.ErrInvalidTopic,
		sarama.ErrMessageSizeTooLarge,
		sarama.ErrMessageTooLarge,
		sarama.ErrTopicAuthorizationFailed,
		sarama.ErrInvalidMessage,
	} {
		if errors.Is(err, rejected) {
			return transport.Rejected
		}
	}
	return transport.Unreachable
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.KafkaCapabilities
}
