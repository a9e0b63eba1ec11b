// Package metrics exposes the process's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CommandsTotal counts governance commands by name and outcome
	// (applied, rejected, error).
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsplane_commands_total",
		Help: "Governance commands processed, by command and outcome.",
	}, []string{"command", "outcome"})

	// ExtCallsTotal counts brokered external calls by provider and status.
	ExtCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsplane_ext_calls_total",
		Help: "External provider calls, by provider and terminal status.",
	}, []string{"provider", "status"})

	// AlertsTotal counts alerts emitted by rule.
	AlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "opsplane_alerts_total",
		Help: "Alerts emitted, by rule.",
	}, []string{"rule"})

	// EventsDroppedTotal counts events dropped on full subscriber buffers.
	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "opsplane_events_dropped_total",
		Help: "Bus events dropped because a subscriber buffer was full.",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
