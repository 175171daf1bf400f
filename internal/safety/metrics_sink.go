package safety

import "github.com/warrenhq/warren/internal/telemetry"

// MetricsSink counts gate interceptions in Prometheus.
type MetricsSink struct{}

// Record implements EventSink.
func (MetricsSink) Record(ev Event) {
	telemetry.SafetyEvents.WithLabelValues(ev.Source, ev.ReasonCode).Inc()
}
