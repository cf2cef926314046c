// Package promtest reads collected Prometheus values back in tests.
package promtest

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

// Labels selects one series of a metric family. Labels missing from the
// selector match any value.
type Labels map[string]string

// CounterValue returns the value of the first counter series of name that
// matches labels, or 0 when there is none.
func CounterValue(t testing.TB, g prometheus.Gatherer, name string, labels Labels) float64 {
	t.Helper()
	var total float64
	visit(t, g, name, labels, func(counter, gauge float64, _ uint64) {
		total += counter
	})
	return total
}

// GaugeValue returns the summed value of the matching gauge series.
func GaugeValue(t testing.TB, g prometheus.Gatherer, name string, labels Labels) float64 {
	t.Helper()
	var total float64
	visit(t, g, name, labels, func(_, gauge float64, _ uint64) {
		total += gauge
	})
	return total
}

// HistogramCount returns the number of observations in the matching
// histogram series.
func HistogramCount(t testing.TB, g prometheus.Gatherer, name string, labels Labels) uint64 {
	t.Helper()
	var total uint64
	visit(t, g, name, labels, func(_, _ float64, count uint64) {
		total += count
	})
	return total
}

func visit(t testing.TB, g prometheus.Gatherer, name string, labels Labels, fn func(counter, gauge float64, histCount uint64)) {
	t.Helper()
	families, err := g.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, metric := range family.GetMetric() {
			if !matches(metric.GetLabel(), labels) {
				continue
			}
			fn(metric.GetCounter().GetValue(), metric.GetGauge().GetValue(), metric.GetHistogram().GetSampleCount())
		}
	}
}

type labelPair interface {
	GetName() string
	GetValue() string
}

func matches[L labelPair](pairs []L, want Labels) bool {
	seen := 0
	for _, pair := range pairs {
		value, ok := want[pair.GetName()]
		if !ok {
			continue
		}
		if value != pair.GetValue() {
			return false
		}
		seen++
	}
	return seen == len(want)
}
