package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/drblury/identityhistory/envelope"
	errspkg "github.com/drblury/identityhistory/internal/runtime/errors"
	loggingpkg "github.com/drblury/identityhistory/internal/runtime/logging"
)

// DefaultProbeTimeout bounds the readiness probe when none is configured.
const DefaultProbeTimeout = 30 * time.Second

// Probe sends one readiness marker to topic and waits for the send to
// complete. Backends that create topics lazily materialise them here, so the
// consumer never attaches to a topic that does not exist yet.
func Probe(ctx context.Context, sender Sender, topic string, timeout time.Duration, logger loggingpkg.ServiceLogger) error {
	if sender == nil {
		return errspkg.ErrProducerRequired
	}
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	marker := envelope.NewReadinessMarker(topic)
	fields := loggingpkg.LogFields{"topic": topic, "message_uuid": marker.MessageID()}

	errCh := make(chan error, 1)
	go func() {
		errCh <- sender.Send(ctx, topic, marker)
	}()

	var err error
	select {
	case err = <-errCh:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		logger.Error("Readiness probe failed", err, fields)
		return fmt.Errorf("%w: topic %q: %w", errspkg.ErrReadinessProbeFailed, topic, err)
	}

	logger.Info("Readiness probe succeeded", fields)
	return nil
}
