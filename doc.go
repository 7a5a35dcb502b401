// Package identityhistory consumes identity lifecycle events
// (IdentityCreated, IdentityUpdated, IdentityDeleted) from a message broker
// and records every identity's change history in a document store.
//
// The broker is chosen by Config.EventsSystem (Azure Service Bus, Azure Event
// Hubs, RabbitMQ or Kafka) and the store by DocumentDbConfig.DbBackend
// (CosmosDb or Marten on PostgreSQL). Unrecognized values fall back to Kafka
// and Marten.
//
// Delivery is at least once. Each event carries a per-identity version and
// the store only accepts a version greater than the one it holds, so
// redelivered and out-of-order events never move an identity backwards.
//
// A minimal setup loads the configuration, builds a logger and runs the
// composed application until the context is cancelled:
//
//	cfg, err := identityhistory.LoadConfig("config.yaml")
//	if err != nil {
//		return err
//	}
//	logger := identityhistory.NewSlogServiceLogger(identityhistory.NewJSONLogger(os.Stdout, cfg.Logging.LogLevel))
//	app, err := identityhistory.Compose(ctx, cfg, logger, identityhistory.Options{})
//	if err != nil {
//		return err
//	}
//	return app.Run(ctx)
//
// # Transports
//
// Each backend lives in its own package under transport/ and registers a
// Builder with a Registry. The channel transport is in-memory and backs tests.
//
// # Middleware
//
// The default middleware chain includes correlation ID injection, metadata
// logging, OpenTelemetry tracing, Prometheus metrics, retry with exponential
// backoff for transient failures, poison queue forwarding for malformed
// messages and panic recovery. Custom middleware can be added via
// Options.Middlewares.
package identityhistory
