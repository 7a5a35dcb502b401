package runtime

import (
	"context"
	"errors"
	"time"

	"github.com/drblury/identityhistory/envelope"
	errspkg "github.com/drblury/identityhistory/internal/runtime/errors"
	jsoncodec "github.com/drblury/identityhistory/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/identityhistory/internal/runtime/logging"
	"github.com/drblury/identityhistory/store"
)

// Processor applies identity events to a store. It keeps no per-message
// state, so one instance serves every concurrent delivery.
type Processor struct {
	store   store.Store
	logger  loggingpkg.ServiceLogger
	metrics *ProcessorMetrics
}

// NewProcessor returns a processor writing to st. metrics may be nil.
func NewProcessor(st store.Store, logger loggingpkg.ServiceLogger, metrics *ProcessorMetrics) (*Processor, error) {
	if st == nil {
		return nil, errspkg.ErrStoreRequired
	}
	if logger == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	return &Processor{store: st, logger: logger, metrics: metrics}, nil
}

// Handle runs one envelope through filter, decode, idempotency check and
// apply. Benign outcomes (readiness markers, stale versions, lost write
// races) return nil; failures return a *ProcessingError.
func (p *Processor) Handle(ctx context.Context, env envelope.Envelope) error {
	fields := loggingpkg.LogFields{
		"message_uuid":   env.MessageID(),
		"topic":          env.Topic(),
		"event_type":     env.Type(),
		"correlation_id": env.CorrelationID(),
	}

	if env.IsReadinessMarker() {
		p.logger.Debug("Ignoring readiness marker", fields)
		p.metrics.observe(OutcomeMarker)
		return nil
	}

	event, err := envelope.DecodeEvent(env)
	if err != nil {
		p.logger.Error("Discarding malformed identity event", err, fields)
		p.metrics.observe(OutcomeMalformed)
		return &ProcessingError{Kind: Malformed, MessageID: env.MessageID(), Err: err}
	}
	fields["identity_id"] = event.Identity()
	fields["version"] = event.EventVersion()

	stored, found, err := p.store.LastAppliedVersion(ctx, event.Identity())
	if err != nil {
		return p.transient(env, err, fields)
	}
	if found && event.EventVersion() <= stored {
		fields["stored_version"] = stored
		p.logger.Debug("Skipping stale identity event", fields)
		p.metrics.observe(OutcomeDuplicate)
		return nil
	}

	change, err := changeFor(env, event)
	if err != nil {
		p.logger.Error("Cannot encode identity change", err, fields)
		p.metrics.observe(OutcomeMalformed)
		return &ProcessingError{Kind: Malformed, MessageID: env.MessageID(), Err: err}
	}

	start := time.Now()
	outcome, err := p.store.UpsertIfNewer(ctx, event.Identity(), event.EventVersion(), change)
	p.metrics.observeApply(event.EventType(), time.Since(start))
	switch {
	case errors.Is(err, store.ErrConflict):
		p.logger.Debug("Concurrent writer won, skipping identity event", fields)
		p.metrics.observe(OutcomeConflict)
		return nil
	case err != nil:
		return p.transient(env, err, fields)
	case outcome == store.Skipped:
		p.logger.Debug("Skipping stale identity event", fields)
		p.metrics.observe(OutcomeDuplicate)
		return nil
	}

	p.logger.Info("Applied identity event", fields)
	p.metrics.observe(OutcomeApplied)
	return nil
}

func (p *Processor) transient(env envelope.Envelope, err error, fields loggingpkg.LogFields) error {
	p.logger.Error("Store failure, message will be redelivered", err, fields)
	p.metrics.observe(OutcomeTransient)
	return &ProcessingError{Kind: Transient, MessageID: env.MessageID(), Err: err}
}

type deletion struct {
	Reason string `json:"reason,omitempty"`
}

// changeFor builds the history entry for event. Created and updated events
// carry the profile as the new state; a deletion records its reason.
func changeFor(env envelope.Envelope, event envelope.IdentityEvent) (store.Change, error) {
	change := store.Change{
		Version:       event.EventVersion(),
		EventType:     event.EventType(),
		OccurredAt:    event.Timestamp(),
		CorrelationID: env.CorrelationID(),
	}

	var data any
	switch e := event.(type) {
	case envelope.IdentityCreated:
		data = e.Profile
	case envelope.IdentityUpdated:
		data = e.Profile
	case envelope.IdentityDeleted:
		change.Deleted = true
		data = deletion{Reason: e.Reason}
	}

	raw, err := jsoncodec.Marshal(data)
	if err != nil {
		return store.Change{}, err
	}
	change.Data = raw
	return change, nil
}
