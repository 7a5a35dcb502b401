package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/identityhistory/envelope"
	idspkg "github.com/drblury/identityhistory/internal/runtime/ids"
	"github.com/drblury/identityhistory/transport"
)

func newTestConsumer(t *testing.T, cfg ConsumerConfig) *Consumer {
	t.Helper()
	c, err := NewConsumer(transport.Transport{Publisher: &testPublisher{}, Subscriber: &testSubscriber{}}, cfg, newTestLogger())
	if err != nil {
		t.Fatalf("consumer init failed: %v", err)
	}
	router, err := message.NewRouter(message.RouterConfig{}, watermill.NopLogger{})
	if err != nil {
		t.Fatalf("router init failed: %v", err)
	}
	c.router = router
	return c
}

func TestCorrelationIDMiddleware(t *testing.T) {
	t.Parallel()

	t.Run("adds missing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.CreateULID(), nil)
		called := false
		_, err := correlationIDMiddleware(func(m *message.Message) ([]*message.Message, error) {
			called = true
			if m.Metadata.Get(envelope.MetadataKeyCorrelationID) == "" {
				t.Fatal("expected correlation id to be populated")
			}
			return nil, nil
		})(msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !called {
			t.Fatal("handler not invoked")
		}
	})

	t.Run("keeps existing id", func(t *testing.T) {
		msg := message.NewMessage(idspkg.CreateULID(), nil)
		msg.Metadata.Set(envelope.MetadataKeyCorrelationID, "fixed")
		_, err := correlationIDMiddleware(func(m *message.Message) ([]*message.Message, error) {
			if m.Metadata.Get(envelope.MetadataKeyCorrelationID) != "fixed" {
				t.Fatal("expected correlation id to be preserved")
			}
			return nil, nil
		})(msg)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestLogMessagesMiddlewareOmitsPayload(t *testing.T) {
	logger := newTestLogger()
	mw := logMessagesMiddleware(logger)
	msg := message.NewMessage(idspkg.CreateULID(), []byte(`{"email":"someone@example.com"}`))

	if _, err := mw(func(m *message.Message) ([]*message.Message, error) { return nil, nil })(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	entry, ok := logger.find("Processing message")
	if !ok {
		t.Fatal("expected debug log entry")
	}
	if entry.fields["payload_bytes"] != len(msg.Payload) {
		t.Fatalf("unexpected payload size: %v", entry.fields["payload_bytes"])
	}
	for _, v := range entry.fields {
		if s, ok := v.(string); ok && strings.Contains(s, "someone@example.com") {
			t.Fatal("payload must not be logged")
		}
	}
}

func TestRetryMiddlewareRetriesTransientOnly(t *testing.T) {
	t.Parallel()

	mw := retryMiddleware(RetryMiddlewareConfig{MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}, watermill.NopLogger{})

	t.Run("transient", func(t *testing.T) {
		attempts := 0
		msg := message.NewMessage(idspkg.CreateULID(), nil)
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			attempts++
			if attempts < 2 {
				return nil, &ProcessingError{Kind: Transient, Err: errors.New("store down")}
			}
			return nil, nil
		})(msg)
		if err != nil {
			t.Fatalf("unexpected error after retries: %v", err)
		}
		if attempts != 2 {
			t.Fatalf("expected 2 attempts, got %d", attempts)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		attempts := 0
		msg := message.NewMessage(idspkg.CreateULID(), nil)
		_, err := mw(func(m *message.Message) ([]*message.Message, error) {
			attempts++
			return nil, &ProcessingError{Kind: Malformed, Err: errors.New("bad json")}
		})(msg)
		if !IsMalformed(err) {
			t.Fatalf("expected malformed error, got %v", err)
		}
		if attempts != 1 {
			t.Fatalf("malformed messages must not be retried, got %d attempts", attempts)
		}
	})
}

func TestRetryMiddlewareConfigDefaults(t *testing.T) {
	cfg := RetryMiddlewareConfig{}.withDefaults()
	if cfg.MaxRetries != 5 || cfg.InitialInterval != time.Second || cfg.MaxInterval != 16*time.Second {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.RetryIf == nil {
		t.Fatal("expected default retry predicate")
	}
}

func TestDiscardMiddleware(t *testing.T) {
	logger := newTestLogger()
	mw := discardMiddleware(IsMalformed, logger)
	msg := message.NewMessage(idspkg.CreateULID(), nil)

	_, err := mw(func(m *message.Message) ([]*message.Message, error) {
		return nil, &ProcessingError{Kind: Malformed, MessageID: m.UUID, Err: envelope.ErrEmptyPayload}
	})(msg)
	if err != nil {
		t.Fatalf("malformed message should be acknowledged, got %v", err)
	}
	if _, ok := logger.find("Dropping unprocessable message"); !ok {
		t.Fatal("expected drop to be logged")
	}

	transient := &ProcessingError{Kind: Transient, Err: errors.New("timeout")}
	_, err = mw(func(m *message.Message) ([]*message.Message, error) { return nil, transient })(msg)
	if !errors.Is(err, transient) {
		t.Fatalf("transient error must pass through, got %v", err)
	}
}

func TestTracerMiddleware(t *testing.T) {
	t.Parallel()

	msg := message.NewMessage(idspkg.CreateULID(), nil)
	msg.SetContext(context.Background())
	var observed trace.Span
	_, err := tracerMiddleware(func(m *message.Message) ([]*message.Message, error) {
		observed = trace.SpanFromContext(m.Context())
		return nil, errors.New("boom")
	})(msg)
	if err == nil {
		t.Fatal("expected handler error to propagate")
	}
	if observed == nil {
		t.Fatal("expected span to be attached to context")
	}
}

func TestRegisterMiddlewareValidations(t *testing.T) {
	t.Parallel()

	t.Run("requires router", func(t *testing.T) {
		c := &Consumer{}
		err := c.RegisterMiddleware(MiddlewareRegistration{
			Middleware: func(h message.HandlerFunc) message.HandlerFunc { return h },
		})
		if err == nil {
			t.Fatal("expected error when router is missing")
		}
	})

	t.Run("requires configuration", func(t *testing.T) {
		c := newTestConsumer(t, ConsumerConfig{})
		if err := c.RegisterMiddleware(MiddlewareRegistration{}); err == nil {
			t.Fatal("expected error when registration empty")
		}
	})

	t.Run("invokes builder", func(t *testing.T) {
		c := newTestConsumer(t, ConsumerConfig{})
		built := false
		err := c.RegisterMiddleware(MiddlewareRegistration{
			Builder: func(*Consumer) (message.HandlerMiddleware, error) {
				built = true
				return func(h message.HandlerFunc) message.HandlerFunc { return h }, nil
			},
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !built {
			t.Fatal("expected builder to be invoked")
		}
	})

	t.Run("handles builder error", func(t *testing.T) {
		c := newTestConsumer(t, ConsumerConfig{})
		err := c.RegisterMiddleware(MiddlewareRegistration{
			Builder: func(*Consumer) (message.HandlerMiddleware, error) {
				return nil, errors.New("builder failed")
			},
		})
		if err == nil {
			t.Fatal("expected builder error to propagate")
		}
	})

	t.Run("handles nil middleware from builder", func(t *testing.T) {
		c := newTestConsumer(t, ConsumerConfig{})
		err := c.RegisterMiddleware(MiddlewareRegistration{
			Builder: func(*Consumer) (message.HandlerMiddleware, error) { return nil, nil },
		})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})
}

func TestLogMessagesMiddlewareRequiresLogger(t *testing.T) {
	c := &Consumer{}
	if _, err := LogMessagesMiddleware(nil).Builder(c); err == nil {
		t.Fatal("expected error when logger missing")
	}
}

func TestPoisonQueueMiddlewareBuilder(t *testing.T) {
	t.Run("without queue drops", func(t *testing.T) {
		c := newTestConsumer(t, ConsumerConfig{})
		mw, err := PoisonQueueMiddleware(nil).Builder(c)
		if err != nil || mw == nil {
			t.Fatalf("expected discard middleware, got %v", err)
		}
	})

	t.Run("with queue forwards", func(t *testing.T) {
		c := newTestConsumer(t, ConsumerConfig{PoisonQueue: "identity-poison"})
		mw, err := PoisonQueueMiddleware(nil).Builder(c)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		msg := message.NewMessage(idspkg.CreateULID(), []byte("x"))
		_, err = mw(func(m *message.Message) ([]*message.Message, error) {
			return nil, &ProcessingError{Kind: Malformed, Err: errors.New("bad json")}
		})(msg)
		if err != nil {
			t.Fatalf("poisoned message should be acknowledged, got %v", err)
		}
		pub := c.transport.Publisher.(*testPublisher)
		if got := len(pub.Published("identity-poison")); got != 1 {
			t.Fatalf("expected 1 poisoned message, got %d", got)
		}
	})

	t.Run("requires publisher with queue", func(t *testing.T) {
		c := newTestConsumer(t, ConsumerConfig{PoisonQueue: "identity-poison"})
		c.transport.Publisher = nil
		if _, err := PoisonQueueMiddleware(nil).Builder(c); err == nil {
			t.Fatal("expected error without publisher")
		}
	})
}

func TestMetricsMiddleware(t *testing.T) {
	t.Run("disabled without registerer", func(t *testing.T) {
		c := newTestConsumer(t, ConsumerConfig{})
		mw, err := MetricsMiddleware().Builder(c)
		if err != nil || mw != nil {
			t.Fatalf("expected no middleware, got %v %v", mw != nil, err)
		}
	})

	t.Run("enabled with registerer", func(t *testing.T) {
		c := newTestConsumer(t, ConsumerConfig{Registerer: prometheus.NewRegistry(), MetricsSubsystem: "kafka"})
		mw, err := MetricsMiddleware().Builder(c)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if mw == nil {
			t.Fatal("expected metrics middleware")
		}
	})
}
