// Package metrics provides Prometheus instrumentation for the live messaging
// layer: connection and typing gauges, message and presence counters, and a
// dispatch latency histogram.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of registered users.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kindred_connections_total",
		Help: "Current number of users with a live WebSocket connection",
	})

	// MessagesTotal counts processed messages, labeled by outcome:
	// "sent" (acked to sender), "delivered" (message_new reached the local
	// counterpart), "forwarded" (published for another instance),
	// "dropped" (counterpart offline), "rejected" (validation/authz/rate).
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kindred_messages_total",
		Help: "Total number of messages processed",
	}, []string{"outcome"})

	// DispatchLatency records the time from frame receipt to sender ack.
	DispatchLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "kindred_message_dispatch_seconds",
		Help:    "Message dispatch latency (receipt to acknowledgment) in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// TypingActive tracks the current number of live typing indicators.
	TypingActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kindred_typing_active",
		Help: "Current number of active typing indicators",
	})

	// PresenceUpdatesTotal counts presence fan-out events by direction.
	PresenceUpdatesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kindred_presence_updates_total",
		Help: "Total number of presence updates fanned out",
	}, []string{"transition"}) // transition = "online", "offline"
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		DispatchLatency,
		TypingActive,
		PresenceUpdatesTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
