package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	configpkg "github.com/drblury/identityhistory/internal/runtime/config"
	errspkg "github.com/drblury/identityhistory/internal/runtime/errors"
	loggingpkg "github.com/drblury/identityhistory/internal/runtime/logging"
	"github.com/drblury/identityhistory/store"
	"github.com/drblury/identityhistory/store/cosmos"
	"github.com/drblury/identityhistory/store/marten"
	"github.com/drblury/identityhistory/transport"
	"github.com/drblury/identityhistory/transport/transports"
)

// Topic is the logical topic probed and consumed on every backend.
const Topic = "identity"

// StoreOpener opens the store chosen by sel.
type StoreOpener func(ctx context.Context, sel Selection, cfg *configpkg.Config) (store.Store, error)

// Options overrides collaborators of Compose. The zero value wires the
// production backends.
type Options struct {
	// Transports resolves the selected EventsSystem. Defaults to the four
	// broker transports.
	Transports *transport.Registry
	// Transport replaces the registry lookup, e.g. with the channel transport.
	// Its capabilities are unknown and not logged.
	Transport transport.Builder
	// OpenStore replaces the CosmosDb/Marten store construction.
	OpenStore StoreOpener
	// Registry collects metrics. Defaults to a fresh registry per App.
	Registry *prometheus.Registry
	// Topic defaults to Topic.
	Topic       string
	Middlewares []MiddlewareRegistration
}

// App is one fully wired consumer: a store, a transport and the pipeline
// between them.
type App struct {
	cfg    *configpkg.Config
	logger loggingpkg.ServiceLogger
	topic  string

	transportSelection Selection
	storeSelection     Selection

	store     store.Store
	producer  *Producer
	consumer  *Consumer
	processor *Processor
	registry  *prometheus.Registry

	started chan struct{}

	mu            sync.Mutex
	handle        *ConsumerHandle
	metricsServer *http.Server

	closeOnce sync.Once
	closeErr  error
}

// Compose validates cfg, selects the backends and builds them. Nothing is
// sent to the broker until Run. On error every opened resource is closed.
func Compose(ctx context.Context, cfg *configpkg.Config, logger loggingpkg.ServiceLogger, opts Options) (*App, error) {
	if cfg == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := cfg.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	logger.Info("Starting up", nil)

	transportSel := SelectTransport(cfg)
	storeSel := SelectStore(cfg)
	logSelection(logger, "events_system", transportSel)
	logSelection(logger, "db_backend", storeSel)
	logger.Info("Using DB backend", loggingpkg.LogFields{
		"db_backend": storeSel.Name,
		"config":     storeConfig(cfg, storeSel),
	})

	if opts.Transport == nil {
		logCapabilities(logger, cfg, transportSel, transportRegistry(opts).GetCapabilities(transportSel.Name))
	}

	registry := opts.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	topic := opts.Topic
	if topic == "" {
		topic = Topic
	}

	openStore := opts.OpenStore
	if openStore == nil {
		openStore = OpenStore
	}
	st, err := openStore(ctx, storeSel, cfg)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", storeSel.Name, err)
	}

	tr, err := buildTransport(ctx, cfg, transportSel, opts, loggingpkg.NewWatermillAdapter(logger))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("build %s transport: %w", transportSel.Name, err)
	}

	app, err := assemble(cfg, logger, tr, st, registry, topic, opts)
	if err != nil {
		_ = tr.Close()
		_ = st.Close()
		return nil, err
	}
	app.transportSelection = transportSel
	app.storeSelection = storeSel
	return app, nil
}

func assemble(cfg *configpkg.Config, logger loggingpkg.ServiceLogger, tr transport.Transport, st store.Store, registry *prometheus.Registry, topic string, opts Options) (*App, error) {
	metrics, err := NewProcessorMetrics(registry)
	if err != nil {
		return nil, err
	}
	processor, err := NewProcessor(st, logger, metrics)
	if err != nil {
		return nil, err
	}
	producer, err := NewProducer(tr)
	if err != nil {
		return nil, err
	}

	consumerCfg := ConsumerConfig{
		PoisonQueue: cfg.PoisonQueue,
		Retry: RetryMiddlewareConfig{
			MaxRetries:      cfg.Retry.MaxRetries,
			InitialInterval: cfg.Retry.InitialInterval,
			MaxInterval:     cfg.Retry.MaxInterval,
		},
		MetricsSubsystem: SelectTransport(cfg).Name,
		CloseTimeout:     cfg.ShutdownTimeout,
		Middlewares:      opts.Middlewares,
	}
	if cfg.Metrics.Enabled {
		consumerCfg.Registerer = registry
	}
	consumer, err := NewConsumer(tr, consumerCfg, logger)
	if err != nil {
		return nil, err
	}

	return &App{
		cfg:       cfg,
		logger:    logger,
		topic:     topic,
		store:     st,
		producer:  producer,
		consumer:  consumer,
		processor: processor,
		registry:  registry,
		started:   make(chan struct{}),
	}, nil
}

func buildTransport(ctx context.Context, cfg *configpkg.Config, sel Selection, opts Options, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if opts.Transport != nil {
		return opts.Transport(ctx, cfg, logger)
	}
	return transportRegistry(opts).Build(ctx, sel.Name, cfg, logger)
}

func transportRegistry(opts Options) *transport.Registry {
	if opts.Transports != nil {
		return opts.Transports
	}
	return transports.Production()
}

// logCapabilities reports what the selected broker guarantees. Backends
// without a native dead-letter queue drop malformed messages unless a
// poison queue is configured.
func logCapabilities(logger loggingpkg.ServiceLogger, cfg *configpkg.Config, sel Selection, caps transport.Capabilities) {
	logger.Info("Using events system", loggingpkg.LogFields{
		"events_system":      sel.Name,
		"delivery_guarantee": caps.DeliveryGuarantee,
		"ordering":           caps.SupportsOrdering,
		"native_dlq":         caps.SupportsNativeDLQ,
	})
	if cfg.PoisonQueue == "" && caps.RequiresDLQEmulation() {
		logger.Info("No poison queue configured, malformed messages are dropped", loggingpkg.LogFields{
			"events_system": sel.Name,
		})
	}
}

// OpenStore opens the CosmosDb or Marten store from cfg.
func OpenStore(ctx context.Context, sel Selection, cfg *configpkg.Config) (store.Store, error) {
	switch sel.Name {
	case cosmos.BackendName:
		c := cfg.DocumentDbConfig.CosmosConfig
		st, err := cosmos.Open(cosmos.Config{
			Endpoint:    c.Endpoint,
			Key:         c.Key,
			DatabaseId:  c.DatabaseId,
			ContainerId: c.ContainerId,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		c := cfg.DocumentDbConfig.MartenConfig
		st, err := marten.Open(ctx, marten.Config{
			ConnectionString: c.ConnectionString,
			SchemaName:       c.SchemaName,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

func storeConfig(cfg *configpkg.Config, sel Selection) any {
	if sel.Name == cosmos.BackendName {
		return cfg.DocumentDbConfig.CosmosConfig.Redacted()
	}
	return cfg.DocumentDbConfig.MartenConfig.Redacted()
}

func logSelection(logger loggingpkg.ServiceLogger, key string, sel Selection) {
	if !sel.Defaulted {
		return
	}
	logger.Info("Unrecognized backend, using default", loggingpkg.LogFields{
		key:          sel.Name,
		"configured": sel.Raw,
		"defaulted":  true,
	})
}

// Run probes the topic, subscribes the processor and blocks until ctx is
// cancelled or the consumer stops on its own. Everything Compose opened is
// closed before Run returns.
func (a *App) Run(ctx context.Context) error {
	if err := Probe(ctx, a.producer, a.topic, a.cfg.ProbeTimeout, a.logger); err != nil {
		return errors.Join(err, a.Close())
	}

	handle, err := a.consumer.Subscribe(ctx, []string{a.topic}, a.processor.Handle)
	if err != nil {
		return errors.Join(err, a.Close())
	}
	a.mu.Lock()
	a.handle = handle
	a.mu.Unlock()

	a.startMetricsServer()
	a.logger.Info("Started", loggingpkg.LogFields{
		"events_system": a.transportSelection.Name,
		"db_backend":    a.storeSelection.Name,
		"topic":         a.topic,
	})
	close(a.started)

	var runErr error
	select {
	case <-ctx.Done():
	case <-handle.Done():
		if ctx.Err() == nil {
			runErr = handle.Err()
			if runErr == nil {
				runErr = errors.New("consumer stopped unexpectedly")
			}
		}
	}

	a.logger.Info("Shutting down", nil)
	return errors.Join(runErr, a.Close())
}

// Close releases the subscription, the transport and the store. It is safe
// to call more than once and without Run.
func (a *App) Close() error {
	a.closeOnce.Do(func() {
		a.mu.Lock()
		handle := a.handle
		server := a.metricsServer
		a.mu.Unlock()

		var errs []error
		if handle != nil {
			errs = append(errs, handle.Close())
		} else {
			errs = append(errs, a.consumer.Close())
		}
		if server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			errs = append(errs, server.Shutdown(ctx))
			cancel()
		}
		errs = append(errs, a.store.Close())
		a.closeErr = errors.Join(errs...)
	})
	return a.closeErr
}

func (a *App) startMetricsServer() {
	if !a.cfg.Metrics.Enabled || a.cfg.Metrics.Port <= 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{Registry: a.registry}))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	a.mu.Lock()
	a.metricsServer = server
	a.mu.Unlock()

	a.logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": server.Addr})
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": server.Addr})
		}
	}()
}

// Started is closed once the consumer is subscribed.
func (a *App) Started() <-chan struct{} { return a.started }

func (a *App) Store() store.Store             { return a.store }
func (a *App) Producer() *Producer            { return a.producer }
func (a *App) Registry() *prometheus.Registry { return a.registry }
func (a *App) TransportSelection() Selection  { return a.transportSelection }
func (a *App) StoreSelection() Selection      { return a.storeSelection }
