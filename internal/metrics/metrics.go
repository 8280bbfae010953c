// Package metrics registers the Prometheus collectors exported by AlertFlow.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive is the number of sessions tracked in memory.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "alertflow_sessions_active",
		Help: "Sessions currently tracked in memory",
	})

	// SessionsAdmitted counts first-time admissions.
	SessionsAdmitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alertflow_sessions_admitted_total",
		Help: "Sessions admitted to the registry",
	})

	// SessionsEvicted counts removals by reason: ttl, capacity, explicit.
	SessionsEvicted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertflow_sessions_evicted_total",
		Help: "Sessions removed from in-memory tracking by reason",
	}, []string{"reason"})

	// StageTransitions counts timeline entries by stage label and status.
	StageTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertflow_stage_transitions_total",
		Help: "Timeline entries recorded by stage and status",
	}, []string{"stage", "status"})

	// BusPublishes counts publishes by subject and result.
	BusPublishes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertflow_bus_publishes_total",
		Help: "Bus publishes by subject and result",
	}, []string{"subject", "result"})

	// BusMessages counts consumed messages by subject and outcome: ack, nak, poison.
	BusMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertflow_bus_messages_total",
		Help: "Consumed bus messages by subject and outcome",
	}, []string{"subject", "outcome"})

	// BridgeDropped counts bridge notifications dropped on a full queue.
	BridgeDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alertflow_bridge_dropped_total",
		Help: "Presentation bridge notifications dropped because the queue was full",
	})

	// NotificationsDropped counts session notices dropped on a full queue.
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "alertflow_notifications_dropped_total",
		Help: "Session completion notices dropped because the queue was full",
	})

	// LLMAttempts counts completion attempts by result: ok, retry, client_error, failed.
	LLMAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "alertflow_llm_attempts_total",
		Help: "Completion attempts by result",
	}, []string{"result"})

	// LLMDuration tracks per-attempt latency.
	LLMDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "alertflow_llm_attempt_duration_seconds",
		Help:    "Completion attempt duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	// ToolStatus is 1 for the current status of each monitored tool.
	ToolStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "alertflow_tool_status",
		Help: "Monitored tool status (1 = current status)",
	}, []string{"tool", "status"})
)

// Publish records one publish attempt.
func Publish(subject string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	BusPublishes.WithLabelValues(subject, result).Inc()
}
