package runtime

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "identity_history"

// Outcome labels of the events counter.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeMarker    = "marker"
	OutcomeMalformed = "malformed"
	OutcomeTransient = "transient"
	OutcomeConflict  = "conflict"
)

// ProcessorMetrics counts dispatch outcomes and times store round trips.
type ProcessorMetrics struct {
	eventsTotal  *prometheus.CounterVec
	applySeconds *prometheus.HistogramVec
}

// NewProcessorMetrics creates the collectors and registers them with
// registerer. A nil registerer leaves them unregistered, which tests use to
// read counters without a registry.
func NewProcessorMetrics(registerer prometheus.Registerer) (*ProcessorMetrics, error) {
	m := &ProcessorMetrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_total",
				Help:      "Identity events handled, by outcome",
			},
			[]string{"outcome"},
		),
		applySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "apply_duration_seconds",
				Help:      "Time spent applying one identity event to the store",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"event_type"},
		),
	}
	if registerer == nil {
		return m, nil
	}

	var err error
	if m.eventsTotal, err = registerCollector(registerer, m.eventsTotal); err != nil {
		return nil, err
	}
	if m.applySeconds, err = registerCollector(registerer, m.applySeconds); err != nil {
		return nil, err
	}
	return m, nil
}

// registerCollector registers c, reusing the existing collector when an
// identical one is already registered.
func registerCollector[C prometheus.Collector](registerer prometheus.Registerer, c C) (C, error) {
	if err := registerer.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

func (m *ProcessorMetrics) observe(outcome string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(outcome).Inc()
}

func (m *ProcessorMetrics) observeApply(eventType string, d time.Duration) {
	if m == nil {
		return
	}
	m.applySeconds.WithLabelValues(eventType).Observe(d.Seconds())
}

// EventsCounter exposes the outcome counter.
func (m *ProcessorMetrics) EventsCounter() *prometheus.CounterVec {
	return m.eventsTotal
}
