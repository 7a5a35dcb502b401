// Package servicebus provides an Azure Service Bus transport. Messages are
// received in peek-lock mode: an acked message is completed and a nacked one
// is abandoned, so the broker redelivers it and dead-letters it once the
// entity's MaxDeliveryCount is exceeded.
package servicebus

import (
	"context"
	"errors"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/identityhistory/transport"
)

// TransportName is the EventsSystem value selecting this transport.
const TransportName = "servicebus"

// Sender is the subset of *azservicebus.Sender the publisher uses.
type Sender interface {
	SendMessage(ctx context.Context, msg *azservicebus.Message, options *azservicebus.SendMessageOptions) error
	Close(ctx context.Context) error
}

// Receiver is the subset of *azservicebus.Receiver the subscriber uses.
type Receiver interface {
	ReceiveMessages(ctx context.Context, maxMessages int, options *azservicebus.ReceiveMessagesOptions) ([]*azservicebus.ReceivedMessage, error)
	CompleteMessage(ctx context.Context, msg *azservicebus.ReceivedMessage, options *azservicebus.CompleteMessageOptions) error
	AbandonMessage(ctx context.Context, msg *azservicebus.ReceivedMessage, options *azservicebus.AbandonMessageOptions) error
	Close(ctx context.Context) error
}

// Client opens senders and receivers on one namespace connection.
type Client interface {
	NewSender(queueOrTopic string) (Sender, error)
	// NewReceiver reads topic through subscription, or reads topic as a
	// queue when subscription is empty.
	NewReceiver(topic, subscription string) (Receiver, error)
	Close(ctx context.Context) error
}

// ClientFactory allows overriding the client creation for testing.
var ClientFactory = func(connectionString string) (Client, error) {
	client, err := azservicebus.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, err
	}
	return &azClient{client: client}, nil
}

type azClient struct {
	client *azservicebus.Client
}

func (c *azClient) NewSender(queueOrTopic string) (Sender, error) {
	return c.client.NewSender(queueOrTopic, nil)
}

func (c *azClient) NewReceiver(topic, subscription string) (Receiver, error) {
	if subscription == "" {
		return c.client.NewReceiverForQueue(topic, nil)
	}
	return c.client.NewReceiverForSubscription(topic, subscription, nil)
}

func (c *azClient) Close(ctx context.Context) error {
	return c.client.Close(ctx)
}

// Register adds the Service Bus transport to r.
func Register(r *transport.Registry) {
	r.RegisterWithCapabilities(TransportName, Build, transport.ServiceBusCapabilities)
}

// Build creates a new Service Bus transport. Publisher and subscriber share
// one client, which the publisher closes.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	connectionString := cfg.GetServiceBusConnectionString()
	if connectionString == "" {
		return transport.Transport{}, errors.New("servicebus: connection string is required")
	}

	client, err := ClientFactory(connectionString)
	if err != nil {
		return transport.Transport{}, err
	}

	return transport.Transport{
		Publisher: NewPublisher(client, logger),
		Subscriber: NewSubscriber(client, SubscriberConfig{
			SubscriptionName: cfg.GetServiceBusSubscription(),
			MaxMessages:      cfg.GetServiceBusMaxMessages(),
		}, logger),
		Classify: Classify,
	}, nil
}

// Classify reports missing entities, authorization failures and oversized
// messages as Rejected.
func Classify(err error) transport.Kind {
	if errors.Is(err, azservicebus.ErrMessageTooLarge) {
		return transport.Rejected
	}
	var sbErr *azservicebus.Error
	if errors.As(err, &sbErr) {
		switch sbErr.Code {
		case azservicebus.CodeUnauthorizedAccess, azservicebus.CodeNotFound:
			return transport.Rejected
		}
	}
	return transport.Unreachable
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ServiceBusCapabilities
}
