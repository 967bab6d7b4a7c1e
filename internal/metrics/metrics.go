// Package metrics provides Prometheus instrumentation for the realtime
// server: gauges for connections and online users, counters for message and
// typing throughput, and a histogram for send-to-delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of WebSocket connections on
	// this instance, authenticated or not.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the number of users with at least one open
	// connection on this instance.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "realtime_online_users",
		Help: "Current number of online users on this instance",
	})

	// MessagesTotal counts sendMessage requests by result:
	// "delivered", "invalid", "failed" or "rate_limited".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_messages_total",
		Help: "Total number of direct messages processed",
	}, []string{"result"})

	// TypingSignalsTotal counts typing relays by state ("start", "stop").
	TypingSignalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_typing_signals_total",
		Help: "Total number of typing indicator relays",
	}, []string{"state"})

	// AuthFailuresTotal counts rejected join attempts and auth timeouts.
	AuthFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "realtime_auth_failures_total",
		Help: "Total number of rejected authentications",
	}, []string{"reason"}) // reason = "rejected", "timeout"

	// PresenceBroadcastsTotal counts online-snapshot broadcasts.
	PresenceBroadcastsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "realtime_presence_broadcasts_total",
		Help: "Total number of online user snapshots broadcast",
	})

	// MessageLatency records the time from accepting a message to the end of
	// local delivery, in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "realtime_message_latency_seconds",
		Help:    "Message persist and delivery latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineUsers,
		MessagesTotal,
		TypingSignalsTotal,
		AuthFailuresTotal,
		PresenceBroadcastsTotal,
		MessageLatency,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
