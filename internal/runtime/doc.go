/*
Package runtime wires the identity-history consumer: backend selection, the
readiness probe, the idempotent processor and the Watermill router that
delivers messages to it.

# Components

## App (app.go)

Compose validates the configuration, selects the transport and the store,
opens both and assembles the pipeline. Run probes the topic, subscribes and
blocks until its context is cancelled. Everything Compose opened is closed
before Run returns.

## Selector (selector.go)

SelectTransport and SelectStore map the configured discriminators onto a
backend. Unrecognized values fall back to Kafka and Marten; the fallback is
logged.

## Producer and probe (producer.go, probe.go)

Producer sends envelopes through the selected transport. Probe sends one
TopicCheck marker and fails startup when the broker rejects it or the
timeout elapses.

## Processor (processor.go)

Processor applies identity events to the store at most once per version.
Readiness markers and stale versions are acknowledged without writing.

## Consumer and middleware (consumer.go, middleware.go)

Consumer runs a Watermill router over the transport subscriber. The
default chain, outermost first:
  - CorrelationID: ensures every message can be traced
  - LogMessages: metadata only, payloads are never logged
  - Tracer: OpenTelemetry span per message
  - Metrics: Watermill router metrics when a registerer is set
  - Retry: exponential backoff for transient failures
  - PoisonQueue: forwards or drops malformed messages
  - Recoverer: turns panics into retryable errors

# Sub-packages

  - config/: configuration loading (viper) and validation
  - errors/: sentinel errors and error types
  - ids/: ULID generation for message IDs
  - jsoncodec/: JSON marshaling utilities
  - logging/: logger interface and adapters
*/
package runtime
