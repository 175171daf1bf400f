package queue

import (
	"github.com/warrenhq/warren/internal/store"
	"github.com/warrenhq/warren/internal/telemetry"
)

// MetricsSink counts transitions in Prometheus.
type MetricsSink struct{}

// Record implements Sink.
func (MetricsSink) Record(ev store.TransitionEvent) {
	telemetry.TaskTransitions.WithLabelValues(
		string(ev.FromStatus), string(ev.ToStatus), ev.ReasonCode,
	).Inc()
}
