package middleware

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hedeqiang/derby/event"
)

// Metrics counts logs leaving the pipeline as "processed" or "dropped".
type Metrics struct {
	events *prometheus.CounterVec
}

// NewMetrics creates a metrics middleware over a counter with a single "stage" label.
func NewMetrics(events *prometheus.CounterVec) *Metrics {
	return &Metrics{events: events}
}

// Wrap decorates the handler with metrics collection.
func (m *Metrics) Wrap(next Handler) Handler {
	return func(lg event.Log) (event.Log, bool) {
		out, keep := next(lg)
		stage := "dropped"
		if keep {
			stage = "processed"
		}
		m.events.WithLabelValues(stage).Inc()
		return out, keep
	}
}
