package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/identityhistory/envelope"
	errspkg "github.com/drblury/identityhistory/internal/runtime/errors"
	loggingpkg "github.com/drblury/identityhistory/internal/runtime/logging"
	"github.com/drblury/identityhistory/transport"
)

// DefaultCloseTimeout bounds how long closing a consumer waits for in-flight
// handlers.
const DefaultCloseTimeout = 30 * time.Second

// Handler processes one delivered envelope. A nil return acknowledges the
// message.
type Handler func(ctx context.Context, env envelope.Envelope) error

// ConsumerConfig tunes the router a Consumer runs.
type ConsumerConfig struct {
	// PoisonQueue receives malformed messages. Empty drops them.
	PoisonQueue string
	Retry       RetryMiddlewareConfig
	// Registerer receives Watermill router metrics. Nil disables them.
	Registerer prometheus.Registerer
	// MetricsSubsystem labels router metrics, usually the transport name.
	MetricsSubsystem string
	CloseTimeout     time.Duration

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool
}

// Consumer subscribes a Handler to topics of one transport. It owns the
// transport: closing the consumer, or the handle it returns, closes it.
type Consumer struct {
	transport transport.Transport
	config    ConsumerConfig
	logger    loggingpkg.ServiceLogger
	wmLogger  watermill.LoggerAdapter

	router *message.Router

	mu         sync.Mutex
	subscribed bool
	closed     bool

	releaseOnce sync.Once
	releaseErr  error
}

func NewConsumer(tr transport.Transport, cfg ConsumerConfig, logger loggingpkg.ServiceLogger) (*Consumer, error) {
	if tr.Subscriber == nil {
		return nil, errspkg.ErrSubscriberRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	return &Consumer{
		transport: tr,
		config:    cfg,
		logger:    logger,
		wmLogger:  loggingpkg.NewWatermillAdapter(logger),
	}, nil
}

// Subscribe starts delivering messages from topics to handler and returns
// once the router is running. A consumer subscribes once; the returned
// handle stops delivery and releases the transport.
func (c *Consumer) Subscribe(ctx context.Context, topics []string, handler Handler) (*ConsumerHandle, error) {
	if handler == nil {
		return nil, errspkg.ErrHandlerRequired
	}
	topics = uniqueTopics(topics)
	if len(topics) == 0 {
		return nil, errspkg.ErrTopicRequired
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errspkg.ErrConsumerClosed
	}
	if c.subscribed {
		c.mu.Unlock()
		return nil, errspkg.ErrAlreadySubscribed
	}
	c.subscribed = true
	c.mu.Unlock()

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: c.config.CloseTimeout}, c.wmLogger)
	if err != nil {
		return nil, err
	}
	c.router = router

	if err := c.registerMiddlewares(); err != nil {
		return nil, err
	}
	for _, topic := range topics {
		router.AddNoPublisherHandler("identity-history-"+topic, topic, c.transport.Subscriber, c.dispatch(topic, handler))
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &ConsumerHandle{
		router:  router,
		cancel:  cancel,
		done:    make(chan struct{}),
		release: c.Close,
	}
	go func() {
		defer close(h.done)
		h.runErr = router.Run(runCtx)
	}()

	select {
	case <-router.Running():
		c.logger.Info("Consumer subscribed", loggingpkg.LogFields{"topics": topics})
		return h, nil
	case <-h.done:
		err := h.runErr
		if err == nil {
			err = ctx.Err()
		}
		_ = h.Close()
		return nil, fmt.Errorf("start consumer: %w", err)
	}
}

func (c *Consumer) registerMiddlewares() error {
	var defaults []MiddlewareRegistration
	if !c.config.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(c.config.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, c.config.Middlewares...)

	for _, reg := range registrations {
		if err := c.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("register middleware %s: %w", name, err)
		}
	}
	return nil
}

// dispatch rebuilds the envelope and hands it to handler. A message that is
// not a valid envelope is malformed.
func (c *Consumer) dispatch(topic string, handler Handler) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		env, err := envelope.FromMessage(topic, msg)
		if err != nil {
			c.logger.Error("Cannot read message envelope", err, loggingpkg.LogFields{
				"message_uuid": msg.UUID,
				"topic":        topic,
			})
			return &ProcessingError{Kind: Malformed, MessageID: msg.UUID, Err: err}
		}
		return handler(msg.Context(), env)
	}
}

// Close releases the transport. It is safe to call more than once.
func (c *Consumer) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.releaseOnce.Do(func() {
		c.releaseErr = c.transport.Close()
	})
	return c.releaseErr
}

func uniqueTopics(topics []string) []string {
	seen := make(map[string]struct{}, len(topics))
	out := make([]string, 0, len(topics))
	for _, t := range topics {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// ConsumerHandle is an active subscription.
type ConsumerHandle struct {
	router  *message.Router
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
	release func() error

	closeOnce sync.Once
	closeErr  error
}

// Running is closed once every handler is subscribed.
func (h *ConsumerHandle) Running() <-chan struct{} {
	return h.router.Running()
}

// Done is closed when the router stops, either through Close, through the
// subscribe context or because it failed.
func (h *ConsumerHandle) Done() <-chan struct{} {
	return h.done
}

// Err returns the router's exit error once Done is closed.
func (h *ConsumerHandle) Err() error {
	select {
	case <-h.done:
		return h.runErr
	default:
		return nil
	}
}

// Close stops delivery, waits up to the close timeout for in-flight
// handlers and closes the transport. Unfinished messages are left
// unacknowledged for the broker to redeliver.
func (h *ConsumerHandle) Close() error {
	h.closeOnce.Do(func() {
		h.cancel()
		errs := []error{h.router.Close()}
		<-h.done
		if h.runErr != nil && !errors.Is(h.runErr, context.Canceled) {
			errs = append(errs, h.runErr)
		}
		errs = append(errs, h.release())
		h.closeErr = errors.Join(errs...)
	})
	return h.closeErr
}
