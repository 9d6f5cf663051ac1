// Package metrics holds the gateway's Prometheus collectors.
// Use Register to attach them to a registry at startup.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Event delivery outcomes.
const (
	EventDelivered  = "delivered"
	EventDropped    = "dropped"
	EventDeadLetter = "dead_letter"
	EventLost       = "lost"
)

var operations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "auth_gateway_operations_total",
		Help: "Gateway operations by outcome",
	},
	[]string{"operation", "outcome"},
)

var operationDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "auth_gateway_operation_duration_seconds",
		Help:    "Gateway operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"operation"},
)

var events = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "auth_gateway_events_total",
		Help: "Domain events by type and delivery outcome",
	},
	[]string{"type", "outcome"},
)

var sessionsExpired = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "auth_gateway_sessions_expired_total",
		Help: "Sessions revoked by the expiry sweeper",
	},
)

// Register registers all collectors with reg. Panics on duplicate registration.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(operations, operationDuration, events, sessionsExpired)
}

// RecordOperation counts one gateway call. outcome is "ok" or the error class.
func RecordOperation(operation, outcome string, d time.Duration) {
	operations.WithLabelValues(operation, outcome).Inc()
	operationDuration.WithLabelValues(operation).Observe(d.Seconds())
}

func RecordEvent(eventType, outcome string) {
	events.WithLabelValues(eventType, outcome).Inc()
}

func RecordSessionExpired() {
	sessionsExpired.Inc()
}
