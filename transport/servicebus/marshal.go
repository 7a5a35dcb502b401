package servicebus

import (
	"fmt"
	"strconv"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/identityhistory/envelope"
)

// MetadataKeyDeliveryCount carries the broker's delivery count on received messages.
const MetadataKeyDeliveryCount = "servicebus_delivery_count"

// ToMessage maps a Watermill message onto a Service Bus message. Metadata
// becomes application properties; the envelope type and correlation id also
// fill the native Subject and CorrelationID fields.
func ToMessage(msg *message.Message) *azservicebus.Message {
	props := make(map[string]any, len(msg.Metadata))
	for k, v := range msg.Metadata {
		props[k] = v
	}
	id := msg.UUID
	out := &azservicebus.Message{
		Body:                  msg.Payload,
		MessageID:             &id,
		ApplicationProperties: props,
	}
	if typ := msg.Metadata.Get(envelope.MetadataKeyType); typ != "" {
		out.Subject = &typ
	}
	if corr := msg.Metadata.Get(envelope.MetadataKeyCorrelationID); corr != "" {
		out.CorrelationID = &corr
	}
	return out
}

// FromReceived rebuilds a Watermill message from a received Service Bus
// message. Native Subject and CorrelationID fill in when the application
// properties lack them, so messages from other producers still decode.
func FromReceived(rm *azservicebus.ReceivedMessage) *message.Message {
	msg := message.NewMessage(rm.MessageID, rm.Body)
	for k, v := range rm.ApplicationProperties {
		if s, ok := v.(string); ok {
			msg.Metadata.Set(k, s)
			continue
		}
		msg.Metadata.Set(k, fmt.Sprint(v))
	}
	if msg.Metadata.Get(envelope.MetadataKeyType) == "" && rm.Subject != nil {
		msg.Metadata.Set(envelope.MetadataKeyType, *rm.Subject)
	}
	if msg.Metadata.Get(envelope.MetadataKeyCorrelationID) == "" && rm.CorrelationID != nil {
		msg.Metadata.Set(envelope.MetadataKeyCorrelationID, *rm.CorrelationID)
	}
	msg.Metadata.Set(MetadataKeyDeliveryCount, strconv.FormatUint(uint64(rm.DeliveryCount), 10))
	return msg
}
