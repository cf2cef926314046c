package publisher

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/taskbus/internal/runtime/events"
	"github.com/drblury/taskbus/internal/runtime/metrics"
)

const (
	outcomeOK        = "ok"
	outcomeExhausted = "exhausted"
	outcomeRejected  = "rejected"
	outcomeFailed    = "failed"
)

// Metrics counts published events by type and outcome.
type Metrics struct {
	events *prometheus.CounterVec
}

// NewMetrics registers the publisher collectors on registerer, or on the
// default registerer when it is nil.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	counter, err := metrics.Register(registerer, metrics.NewCounterVec(
		"publisher", "events_total",
		"Events handed to the publisher, by event type and outcome",
		"event_type", "outcome",
	))
	if err != nil {
		return nil, err
	}
	return &Metrics{events: counter}, nil
}

func (m *Metrics) observe(eventType events.Type, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(eventType.String(), outcome).Inc()
}
