package reminder

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/taskbus/internal/runtime/metrics"
)

// Metrics are the Prometheus collectors of the scheduler.
type Metrics struct {
	transitions *prometheus.CounterVec
	lag         *prometheus.HistogramVec
}

// NewMetrics registers the reminder collectors on registerer, or on the
// default registerer when it is nil.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{}
	var err error
	if m.transitions, err = metrics.Register(registerer, metrics.NewCounterVec("reminder",
		"transitions_total", "Reminder state changes, by new state and reason",
		"state", "reason")); err != nil {
		return nil, err
	}
	if m.lag, err = metrics.Register(registerer, metrics.NewHistogramVec("reminder",
		"trigger_lag_seconds", "Delay between a reminder's due date and its trigger",
		[]float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900})); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) transition(to State, reason string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(to), reason).Inc()
}

func (m *Metrics) triggered(lag time.Duration) {
	if m == nil {
		return
	}
	m.lag.WithLabelValues().Observe(lag.Seconds())
}
