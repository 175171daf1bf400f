// Package telemetry registers the Prometheus metrics the event sinks feed.
// Counters only: the core exposes reason codes and counts, nothing else.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TaskTransitions counts task status transitions by from/to/reason.
	TaskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warren_task_transitions_total",
		Help: "Total task status transitions by from-status, to-status, and reason code",
	}, []string{"from", "to", "reason"})

	// SafetyEvents counts gate interceptions by source and reason.
	SafetyEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warren_safety_events_total",
		Help: "Total safety gate interceptions by source and reason code",
	}, []string{"source", "reason"})

	// PolicyFallbacks counts policy reads served from last-known-good or
	// the static fallback.
	PolicyFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warren_policy_fallbacks_total",
		Help: "Total policy reads degraded to a fallback value",
	})

	// BreakerOpens counts empty-reply circuit breaker openings.
	BreakerOpens = promauto.NewCounter(prometheus.CounterOpts{
		Name: "warren_breaker_opens_total",
		Help: "Total empty-reply circuit breaker openings",
	})

	// MemoryFallbacks counts degraded memory-context builds by reason.
	MemoryFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warren_memory_fallbacks_total",
		Help: "Total memory context builds that fell back to degraded context",
	}, []string{"reason"})

	// ReviewDecisions counts review queue resolutions by outcome.
	ReviewDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warren_review_decisions_total",
		Help: "Total review queue resolutions by outcome",
	}, []string{"outcome"})
)
