// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connections and room subscriptions, counters for
// message outcomes and bans, and a histogram for routing latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridchat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts routed messages labeled by outcome: "sent",
	// "denied", "blacklisted", "spam" or "failed".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridchat_messages_total",
		Help: "Total number of messages routed",
	}, []string{"outcome"})

	// MessageLatency records end-to-end routing latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gridchat_message_latency_seconds",
		Help:    "Message routing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// RoomSubscriptions tracks local connection-to-room subscriptions.
	RoomSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gridchat_room_subscriptions",
		Help: "Current number of local room subscriptions",
	})

	// BansTotal counts ban requests labeled by status: "OK" or "FAIL".
	BansTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridchat_bans_total",
		Help: "Total number of ban requests",
	}, []string{"status"})

	// PublishFailures counts failed publishes labeled by bus: "nats" or "kafka".
	PublishFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gridchat_publish_failures_total",
		Help: "Total number of failed event publishes",
	}, []string{"bus"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		MessagesTotal,
		MessageLatency,
		RoomSubscriptions,
		BansTotal,
		PublishFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
