package transport

// Delivery guarantees a backend offers natively.
const (
	AtLeastOnce = "at-least-once"
	AtMostOnce  = "at-most-once"
)

// Capabilities describes the features supported by a transport backend.
type Capabilities struct {
	// DeliveryGuarantee is the backend's native guarantee once the consumer
	// acknowledges only after successful handling.
	DeliveryGuarantee string

	// SupportsNativeDLQ indicates the transport has built-in dead letter queue support.
	// When false, malformed messages go to the configured poison queue.
	SupportsNativeDLQ bool

	// SupportsOrdering indicates the transport guarantees message ordering.
	// When true, messages within a partition/queue are delivered in order.
	SupportsOrdering bool

	// SupportsAck indicates the transport supports explicit message acknowledgment.
	SupportsAck bool

	// SupportsNack indicates the transport supports negative acknowledgment (redelivery).
	SupportsNack bool

	// SupportsPartitioning indicates the transport supports message partitioning.
	SupportsPartitioning bool

	// MaxMessageSize is the maximum message size in bytes (0 = unlimited/unknown).
	MaxMessageSize int64

	// Name is the human-readable name of the transport.
	Name string
}

// RequiresDLQEmulation returns true if the transport needs application-level
// DLQ routing because it doesn't support native dead letter queues.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery returns true if the transport supports at-least-once
// delivery semantics (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the built-in transports.
var (
	// ChannelCapabilities for in-memory Go channel transport.
	// Each message is handed to subscribers on its own goroutine, so
	// delivery order is not preserved.
	ChannelCapabilities = Capabilities{
		Name:              "channel",
		DeliveryGuarantee: AtMostOnce,
		SupportsOrdering:  false,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	// KafkaCapabilities for Apache Kafka transport. A nack re-sends the
	// message in process; the offset is committed only after ack.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		DeliveryGuarantee:    AtLeastOnce,
		SupportsOrdering:     true,
		SupportsAck:          true,
		SupportsNack:         true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576, // Default 1MB
	}

	// EventHubCapabilities for Azure Event Hubs over its Kafka endpoint.
	EventHubCapabilities = Capabilities{
		Name:                 "eventhub",
		DeliveryGuarantee:    AtLeastOnce,
		SupportsOrdering:     true,
		SupportsAck:          true,
		SupportsNack:         true,
		SupportsPartitioning: true,
		MaxMessageSize:       1048576, // Standard tier 1MB
	}

	// RabbitMQCapabilities for RabbitMQ/AMQP transport.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		DeliveryGuarantee: AtLeastOnce,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	// ServiceBusCapabilities for Azure Service Bus peek-lock receive.
	// Abandoned messages dead-letter after the entity's MaxDeliveryCount.
	ServiceBusCapabilities = Capabilities{
		Name:              "servicebus",
		DeliveryGuarantee: AtLeastOnce,
		SupportsNativeDLQ: true,
		SupportsOrdering:  false,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    262144, // Standard tier 256KB
	}
)
