package runtime

import (
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/components/metrics"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/drblury/identityhistory/envelope"
	idspkg "github.com/drblury/identityhistory/internal/runtime/ids"
	loggingpkg "github.com/drblury/identityhistory/internal/runtime/logging"
)

// MiddlewareBuilder constructs a handler middleware for the consumer that
// registers it.
type MiddlewareBuilder func(*Consumer) (message.HandlerMiddleware, error)

// MiddlewareRegistration captures how a middleware should be registered on a
// consumer router. A builder may return a nil middleware to opt out.
type MiddlewareRegistration struct {
	Name       string
	Middleware message.HandlerMiddleware
	Builder    MiddlewareBuilder
}

// RetryMiddlewareConfig customises the retry middleware behaviour.
type RetryMiddlewareConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	RetryIf         func(error) bool
}

func (cfg RetryMiddlewareConfig) withDefaults() RetryMiddlewareConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = time.Second
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 16 * time.Second
	}
	if cfg.RetryIf == nil {
		cfg.RetryIf = IsTransient
	}
	return cfg
}

// DefaultMiddlewares returns the standard chain, outermost first. Retry wraps
// the poison stage so only transient failures are retried; malformed
// messages are settled by the poison stage before retry sees them.
func DefaultMiddlewares() []MiddlewareRegistration {
	return []MiddlewareRegistration{
		CorrelationIDMiddleware(),
		LogMessagesMiddleware(nil),
		TracerMiddleware(),
		MetricsMiddleware(),
		RetryMiddleware(),
		PoisonQueueMiddleware(nil),
		RecovererMiddleware(),
	}
}

// MetricsMiddleware adds Watermill's Prometheus router metrics when the
// consumer has a registerer.
func MetricsMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "metrics",
		Builder: func(c *Consumer) (message.HandlerMiddleware, error) {
			if c.config.Registerer == nil {
				return nil, nil
			}
			builder := metrics.NewPrometheusMetricsBuilder(c.config.Registerer, metricsNamespace, c.config.MetricsSubsystem)
			c.router.AddSubscriberDecorators(builder.DecorateSubscriber)
			return builder.NewRouterMiddleware().Middleware, nil
		},
	}
}

// CorrelationIDMiddleware ensures each processed message carries a correlation identifier.
func CorrelationIDMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "correlation_id",
		Middleware: correlationIDMiddleware,
	}
}

// LogMessagesMiddleware logs metadata of handled messages at debug level.
// Payloads carry personal data and are never logged.
func LogMessagesMiddleware(logger loggingpkg.ServiceLogger) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "log_messages",
		Builder: func(c *Consumer) (message.HandlerMiddleware, error) {
			l := logger
			if l == nil {
				l = c.logger
			}
			if l == nil {
				return nil, errors.New("log messages middleware requires a logger")
			}
			return logMessagesMiddleware(l), nil
		},
	}
}

// TracerMiddleware wraps handler execution in an OpenTelemetry span.
func TracerMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "tracer",
		Middleware: tracerMiddleware,
	}
}

// RetryMiddleware retries transient failures with exponential backoff using
// the consumer's retry settings.
func RetryMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "retry",
		Builder: func(c *Consumer) (message.HandlerMiddleware, error) {
			return retryMiddleware(c.config.Retry, c.wmLogger), nil
		},
	}
}

// PoisonQueueMiddleware settles messages matching filter, IsMalformed by
// default. With a poison queue configured they are forwarded there; without
// one they are logged and acknowledged so they are never redelivered.
func PoisonQueueMiddleware(filter func(error) bool) MiddlewareRegistration {
	return MiddlewareRegistration{
		Name: "poison_queue",
		Builder: func(c *Consumer) (message.HandlerMiddleware, error) {
			f := filter
			if f == nil {
				f = IsMalformed
			}
			if c.config.PoisonQueue == "" {
				return discardMiddleware(f, c.logger), nil
			}
			if c.transport.Publisher == nil {
				return nil, errors.New("publisher is required for poison queue middleware")
			}
			return middleware.PoisonQueueWithFilter(c.transport.Publisher, c.config.PoisonQueue, f)
		},
	}
}

// RecovererMiddleware converts panics into handler errors so they are retried.
func RecovererMiddleware() MiddlewareRegistration {
	return MiddlewareRegistration{
		Name:       "recoverer",
		Middleware: middleware.Recoverer,
	}
}

// RegisterMiddleware attaches the supplied middleware to the consumer router.
func (c *Consumer) RegisterMiddleware(reg MiddlewareRegistration) error {
	if c.router == nil {
		return errors.New("router is not initialised")
	}

	var mw message.HandlerMiddleware
	switch {
	case reg.Middleware != nil:
		mw = reg.Middleware
	case reg.Builder != nil:
		var err error
		mw, err = reg.Builder(c)
		if err != nil {
			return err
		}
	default:
		return errors.New("middleware registration requires Middleware or Builder")
	}

	if mw == nil {
		return nil
	}

	c.router.AddMiddleware(mw)
	return nil
}

// correlationIDMiddleware injects a correlation ID into the message metadata when missing.
func correlationIDMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		if msg.Metadata.Get(envelope.MetadataKeyCorrelationID) == "" {
			msg.Metadata.Set(envelope.MetadataKeyCorrelationID, idspkg.CreateULID())
		}
		return h(msg)
	}
}

func logMessagesMiddleware(logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			logger.Debug("Processing message", loggingpkg.LogFields{
				"message_uuid":  msg.UUID,
				"payload_bytes": len(msg.Payload),
				"metadata":      msg.Metadata,
			})
			return h(msg)
		}
	}
}

func retryMiddleware(cfg RetryMiddlewareConfig, logger watermill.LoggerAdapter) message.HandlerMiddleware {
	normalized := cfg.withDefaults()
	return middleware.Retry{
		MaxRetries:      normalized.MaxRetries,
		InitialInterval: normalized.InitialInterval,
		MaxInterval:     normalized.MaxInterval,
		Multiplier:      2,
		Logger:          logger,
		ShouldRetry: func(params middleware.RetryParams) bool {
			return normalized.RetryIf(params.Err)
		},
	}.Middleware
}

// discardMiddleware acknowledges messages whose error matches filter.
func discardMiddleware(filter func(error) bool, logger loggingpkg.ServiceLogger) message.HandlerMiddleware {
	return func(h message.HandlerFunc) message.HandlerFunc {
		return func(msg *message.Message) ([]*message.Message, error) {
			msgs, err := h(msg)
			if err != nil && filter(err) {
				logger.Info("Dropping unprocessable message", loggingpkg.LogFields{
					"message_uuid": msg.UUID,
					"reason":       err.Error(),
				})
				return nil, nil
			}
			return msgs, err
		}
	}
}

// tracerMiddleware wraps message handling with an OpenTelemetry span.
func tracerMiddleware(h message.HandlerFunc) message.HandlerFunc {
	return func(msg *message.Message) ([]*message.Message, error) {
		tracer := otel.Tracer("identity-history-consumer")
		ctx, span := tracer.Start(msg.Context(), "ProcessMessage")
		defer span.End()
		msg.SetContext(ctx)

		span.SetAttributes(
			attribute.String("message.uuid", msg.UUID),
			attribute.String("message.type", msg.Metadata.Get(envelope.MetadataKeyType)),
			attribute.String("message.metadata", fmt.Sprintf("%v", msg.Metadata)),
		)
		msgs, err := h(msg)
		if err != nil {
			span.RecordError(err)
		}
		return msgs, err
	}
}
