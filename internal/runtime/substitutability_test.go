package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/messaging/azservicebus"
	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/identityhistory/envelope"
	"github.com/drblury/identityhistory/store"
	"github.com/drblury/identityhistory/transport/servicebus"
)

// wireCodec pushes a message through one backend's native wire format.
type wireCodec func(t *testing.T, msg *message.Message) *message.Message

func kafkaWire(t *testing.T, msg *message.Message) *message.Message {
	t.Helper()
	produced, err := kafka.DefaultMarshaler{}.Marshal(Topic, msg)
	require.NoError(t, err)

	var value []byte
	if produced.Value != nil {
		value, err = produced.Value.Encode()
		require.NoError(t, err)
	}
	consumed := &sarama.ConsumerMessage{Topic: Topic, Value: value}
	for _, h := range produced.Headers {
		header := h
		consumed.Headers = append(consumed.Headers, &header)
	}

	out, err := kafka.DefaultMarshaler{}.Unmarshal(consumed)
	require.NoError(t, err)
	return out
}

func amqpWire(t *testing.T, msg *message.Message) *message.Message {
	t.Helper()
	publishing, err := amqp.DefaultMarshaler{}.Marshal(msg)
	require.NoError(t, err)

	out, err := amqp.DefaultMarshaler{}.Unmarshal(amqp091.Delivery{
		Body:      publishing.Body,
		Headers:   publishing.Headers,
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	return out
}

func serviceBusWire(t *testing.T, msg *message.Message) *message.Message {
	t.Helper()
	sent := servicebus.ToMessage(msg)
	return servicebus.FromReceived(&azservicebus.ReceivedMessage{
		MessageID:             *sent.MessageID,
		Body:                  sent.Body,
		Subject:               sent.Subject,
		CorrelationID:         sent.CorrelationID,
		ApplicationProperties: sent.ApplicationProperties,
		DeliveryCount:         1,
	})
}

// scriptedEnvelopes covers markers, duplicates, out-of-order versions,
// a malformed payload and a deletion.
func scriptedEnvelopes(t *testing.T) []envelope.Envelope {
	t.Helper()
	seqOnly, err := envelope.New(Topic, envelope.TypeIdentityCreated,
		[]byte(`{"identityId":"u-seq","occurredAt":"2024-05-01T10:00:00Z","username":"seq"}`),
		envelope.WithSequence(4))
	require.NoError(t, err)
	malformed, err := envelope.New(Topic, envelope.TypeIdentityUpdated, []byte(`not-json`))
	require.NoError(t, err)
	deleted, err := envelope.New(Topic, envelope.TypeIdentityDeleted,
		[]byte(`{"identityId":"u-7","version":3,"occurredAt":"2024-05-04T10:00:00Z","reason":"closed"}`))
	require.NoError(t, err)

	created := identityEnvelope(t, envelope.TypeIdentityCreated, "u-42", 1)
	return []envelope.Envelope{
		envelope.NewReadinessMarker(Topic),
		created,
		identityEnvelope(t, envelope.TypeIdentityUpdated, "u-42", 3),
		identityEnvelope(t, envelope.TypeIdentityUpdated, "u-42", 2),
		created,
		identityEnvelope(t, envelope.TypeIdentityCreated, "u-7", 1),
		malformed,
		identityEnvelope(t, envelope.TypeIdentityUpdated, "u-7", 2),
		deleted,
		seqOnly,
		envelope.NewReadinessMarker(Topic),
	}
}

func runScript(t *testing.T, codec wireCodec) (map[string]store.Record, int) {
	t.Helper()
	st := newCountingStore()
	p, _, _ := newTestProcessor(t, st)

	for _, env := range scriptedEnvelopes(t) {
		delivered := codec(t, env.ToMessage())
		got, err := envelope.FromMessage(Topic, delivered)
		require.NoError(t, err)
		assert.Equal(t, env.MessageID(), got.MessageID())

		if err := p.Handle(context.Background(), got); err != nil {
			require.True(t, IsMalformed(err), "unexpected error: %v", err)
		}
	}
	return st.Snapshot(), st.Upserts()
}

func TestBackendSubstitutability(t *testing.T) {
	codecs := map[string]wireCodec{
		"servicebus": serviceBusWire,
		"eventhub":   kafkaWire,
		"rabbitmq":   amqpWire,
		"kafka":      kafkaWire,
	}

	reference, referenceUpserts := runScript(t, func(_ *testing.T, msg *message.Message) *message.Message { return msg })
	require.Len(t, reference, 3)
	assert.Equal(t, uint64(3), reference["u-42"].Version)
	assert.True(t, reference["u-7"].Deleted)
	assert.Equal(t, uint64(4), reference["u-seq"].Version)

	for name, codec := range codecs {
		t.Run(name, func(t *testing.T) {
			got, upserts := runScript(t, codec)
			assert.Equal(t, referenceUpserts, upserts)
			require.Len(t, got, len(reference))
			for id, want := range reference {
				rec := got[id]
				assert.Equal(t, want.Version, rec.Version, id)
				assert.Equal(t, want.Deleted, rec.Deleted, id)
				assert.JSONEq(t, string(want.State), string(rec.State), id)
				assert.Len(t, rec.History, len(want.History), id)
			}
		})
	}
}

func TestReadinessMarkerSurvivesEveryWireFormat(t *testing.T) {
	for name, codec := range map[string]wireCodec{
		"servicebus": serviceBusWire,
		"kafka":      kafkaWire,
		"rabbitmq":   amqpWire,
	} {
		t.Run(name, func(t *testing.T) {
			marker := envelope.NewReadinessMarker(Topic)
			got, err := envelope.FromMessage(Topic, codec(t, marker.ToMessage()))
			require.NoError(t, err)
			assert.True(t, got.IsReadinessMarker())
			assert.Empty(t, got.Payload())
		})
	}
}
