// Package metrics provides Prometheus instrumentation for the Drift chat
// server. It exposes gauges for connection, queue and session counts,
// counters for matches, teardowns and relay throughput, and histograms for
// queue wait and delivery latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// ConnectionsRejected counts upgrades refused before registration,
	// labeled by reason: "banned", "rate_limited".
	ConnectionsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_connections_rejected_total",
		Help: "WebSocket connections refused at upgrade",
	}, []string{"reason"})

	// MatchQueueSize tracks the current number of identities in the waiting queue.
	MatchQueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_match_queue_size",
		Help: "Current number of identities in the waiting queue",
	})

	// ActiveSessions tracks the current number of paired sessions.
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "drift_active_sessions",
		Help: "Current number of active chat sessions",
	})

	// MatchesTotal counts sessions created by the matcher.
	MatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_matches_total",
		Help: "Total number of sessions created by the matcher",
	})

	// MatchWait records the time each identity spent queued before a match.
	MatchWait = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "drift_match_wait_seconds",
		Help:    "Time from joining the queue to being matched",
		Buckets: []float64{.1, .5, 1, 2, 5, 10, 30, 60, 300},
	})

	// SessionsEnded counts session teardowns, labeled by reason:
	// "skip", "stop", "block", "disconnect".
	SessionsEnded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_sessions_ended_total",
		Help: "Total number of sessions torn down",
	}, []string{"reason"})

	// MessagesTotal counts relay events, labeled by type ("message", "emoji",
	// "image", "typing", "seen") and result ("relayed", "rejected").
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_messages_total",
		Help: "Total number of relay events processed",
	}, []string{"type", "result"})

	// MessageLatency records inbound relay handling latency in seconds.
	MessageLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "drift_message_latency_seconds",
		Help:    "Relay event processing latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// NotificationsDropped counts outbound notifications discarded because
	// the recipient's mailbox was full or already closed.
	NotificationsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_notifications_dropped_total",
		Help: "Outbound notifications dropped before delivery",
	})

	// ReportsTotal counts accepted abuse reports by reason code.
	ReportsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "drift_reports_total",
		Help: "Total number of abuse reports accepted",
	}, []string{"reason"})

	// BansTotal counts bans issued by report escalation.
	BansTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "drift_bans_total",
		Help: "Total number of client bans issued",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		ConnectionsRejected,
		MatchQueueSize,
		ActiveSessions,
		MatchesTotal,
		MatchWait,
		SessionsEnded,
		MessagesTotal,
		MessageLatency,
		NotificationsDropped,
		ReportsTotal,
		BansTotal,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
