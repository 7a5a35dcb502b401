package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/identityhistory/transport"
)

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()
	Register(reg)

	caps := reg.GetCapabilities(TransportName)
	assert.Equal(t, "channel", caps.Name)
	assert.False(t, caps.SupportsOrdering)
	assert.True(t, caps.SupportsAck)
	assert.True(t, caps.SupportsNack)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.ChannelCapabilities, caps)
	assert.Equal(t, "channel", caps.Name)
}

func TestBuild(t *testing.T) {
	t.Run("creates transport with default factory", func(t *testing.T) {
		tr, err := Build(context.Background(), nil, watermill.NopLogger{})

		require.NoError(t, err)
		assert.NotNil(t, tr.Publisher)
		assert.NotNil(t, tr.Subscriber)
		assert.NoError(t, tr.Close())
	})

	t.Run("uses custom factory", func(t *testing.T) {
		originalFactory := Factory
		defer func() { Factory = originalFactory }()

		mockPub := &mockPublisher{}
		mockSub := &mockSubscriber{}
		var gotCfg gochannel.Config
		Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
			gotCfg = cfg
			return mockPub, mockSub
		}

		tr, err := Build(context.Background(), nil, nil)

		require.NoError(t, err)
		assert.Equal(t, mockPub, tr.Publisher)
		assert.Equal(t, mockSub, tr.Subscriber)
		assert.True(t, gotCfg.Persistent)
	})
}

func TestPublishBeforeSubscribeIsDelivered(t *testing.T) {
	tr := New(nil)
	t.Cleanup(func() { _ = tr.Close() })

	require.NoError(t, tr.Publisher.Publish("identity", message.NewMessage("m-1", nil)))

	ch, err := tr.Subscriber.Subscribe(context.Background(), "identity")
	require.NoError(t, err)

	select {
	case msg := <-ch:
		assert.Equal(t, "m-1", msg.UUID)
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("expected persisted message to be delivered")
	}
}

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
