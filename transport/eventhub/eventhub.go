// Package eventhub provides an Azure Event Hubs transport through the
// namespace's Kafka-compatible endpoint.
package eventhub

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/identityhistory/transport"
	"github.com/drblury/identityhistory/transport/kafka"
)

// TransportName is the EventsSystem value selecting this transport.
const TransportName = "eventhub"

const (
	// KafkaPort is the port Event Hubs exposes the Kafka protocol on.
	KafkaPort = 9093
	// DefaultConsumerGroup exists on every event hub.
	DefaultConsumerGroup = "$Default"
	// saslUser tells Event Hubs the SASL password is a connection string.
	saslUser = "$ConnectionString"
)

// Register adds the Event Hubs transport to r.
func Register(r *transport.Registry) {
	r.RegisterWithCapabilities(TransportName, Build, transport.EventHubCapabilities)
}

// Build creates a new Event Hubs transport.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	connectionString := cfg.GetEventHubConnectionString()
	broker, err := BrokerAddress(connectionString)
	if err != nil {
		return transport.Transport{}, err
	}

	group := cfg.GetEventHubConsumerGroup()
	if group == "" {
		group = DefaultConsumerGroup
	}

	return kafka.NewTransport(kafka.Options{
		Brokers:       []string{broker},
		ConsumerGroup: group,
		Configure:     SASLConfigurer(connectionString),
	}, logger)
}

// SASLConfigurer enables SASL PLAIN over TLS with the connection string as
// the password.
func SASLConfigurer(connectionString string) func(*sarama.Config) {
	return func(c *sarama.Config) {
		c.Version = sarama.V1_0_0_0
		c.Net.TLS.Enable = true
		c.Net.TLS.Config = &tls.Config{MinVersion: tls.VersionTLS12}
		c.Net.SASL.Enable = true
		c.Net.SASL.Mechanism = sarama.SASLTypePlaintext
		c.Net.SASL.User = saslUser
		c.Net.SASL.Password = connectionString
	}
}

// BrokerAddress derives "<namespace host>:9093" from the Endpoint entry of an
// Event Hubs connection string.
func BrokerAddress(connectionString string) (string, error) {
	if connectionString == "" {
		return "", errors.New("eventhub: connection string is required")
	}
	for _, part := range strings.Split(connectionString, ";") {
		key, value, ok := strings.Cut(part, "=")
		if !ok || !strings.EqualFold(strings.TrimSpace(key), "Endpoint") {
			continue
		}
		endpoint, err := url.Parse(strings.TrimSpace(value))
		if err != nil {
			return "", fmt.Errorf("eventhub: invalid endpoint %q: %w", value, err)
		}
		if endpoint.Hostname() == "" {
			return "", fmt.Errorf("eventhub: endpoint %q has no host", value)
		}
		return fmt.Sprintf("%s:%d", endpoint.Hostname(), KafkaPort), nil
	}
	return "", errors.New("eventhub: connection string has no Endpoint")
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.EventHubCapabilities
}
