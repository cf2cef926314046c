package consumer

import (
	"github.com/prometheus/client_golang/prometheus"

	errspkg "github.com/drblury/taskbus/internal/runtime/errors"
	"github.com/drblury/taskbus/internal/runtime/metrics"
)

const (
	outcomeCommitted    = "committed"
	outcomeSkipped      = "skipped"
	outcomeDuplicate    = "duplicate"
	outcomeDeadLettered = "dead_lettered"
	outcomeNacked       = "nacked"
)

// Metrics are the Prometheus collectors of the consumer runtime.
type Metrics struct {
	deliveries *prometheus.CounterVec
	retries    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	inFlight   *prometheus.GaugeVec
}

// NewMetrics registers the consumer collectors on registerer, or on the
// default registerer when it is nil.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.deliveries, err = metrics.Register(registerer, metrics.NewCounterVec("consumer",
		"deliveries_total", "Deliveries that reached a terminal state, by outcome",
		"topic", "consumer_group", "outcome")); err != nil {
		return nil, err
	}
	if m.retries, err = metrics.Register(registerer, metrics.NewCounterVec("consumer",
		"retries_total", "Failed handler attempts that were retried",
		"topic", "consumer_group", "error_kind")); err != nil {
		return nil, err
	}
	if m.duration, err = metrics.Register(registerer, metrics.NewHistogramVec("consumer",
		"delivery_duration_seconds", "Time from receipt to commit or dead-letter",
		prometheus.DefBuckets,
		"topic", "consumer_group")); err != nil {
		return nil, err
	}
	if m.inFlight, err = metrics.Register(registerer, metrics.NewGaugeVec("consumer",
		"in_flight", "Deliveries currently being processed",
		"topic", "consumer_group")); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) finish(d Delivery, outcome string) {
	m.inFlight.WithLabelValues(d.Topic, d.ConsumerGroup).Dec()
	m.deliveries.WithLabelValues(d.Topic, d.ConsumerGroup, outcome).Inc()
	m.duration.WithLabelValues(d.Topic, d.ConsumerGroup).Observe(d.Duration.Seconds())
}

func errorKind(err error) string {
	if kind := errspkg.Kind(err); kind != "" {
		return kind
	}
	return "other"
}
