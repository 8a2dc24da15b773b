// ABOUTME: Prometheus instruments for the sync engine, registered on the default registry
// ABOUTME: Packages update these directly; cmd/chatsync-tui exposes them via promhttp

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Live channel
	FramesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_frames_received_total",
			Help: "Total live frames read from the connection",
		},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_frames_dropped_total",
			Help: "Live frames dropped before reaching the view",
		},
		[]string{"reason"}, // "malformed", "duplicate", "server_error", "slow_consumer"
	)

	// Merge engine
	MessagesMerged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_merged_total",
			Help: "Messages inserted into the active view",
		},
		[]string{"source"}, // "history" or "live"
	)

	StaleDiscarded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_stale_discarded_total",
			Help: "Results discarded because their generation or conversation was not current",
		},
		[]string{"source"},
	)

	Switches = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_conversation_switches_total",
			Help: "Total conversation switches",
		},
	)

	// Transport
	Reconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_reconnects_total",
			Help: "Total reconnect attempts",
		},
	)

	CredentialRefreshes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_credential_refreshes_total",
			Help: "Live credential refreshes by result",
		},
		[]string{"result"}, // "ok" or "error"
	)

	TransportState = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_transport_state",
			Help: "Current transport state (0=disconnected 1=connecting 2=open 3=reconnecting 4=closed)",
		},
	)

	// Outbound
	OutboundQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "chatsync_outbound_queue_depth",
			Help: "Messages waiting for the live channel to open",
		},
	)

	OutboundRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_outbound_rejected_total",
			Help: "Outbound messages refused",
		},
		[]string{"reason"}, // "queue_full", "not_open", "invalid"
	)

	OutboundSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_outbound_sent_total",
			Help: "Outbound messages written to the live channel",
		},
	)

	// History
	HistoryRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_history_request_duration_seconds",
			Help:    "History page request latency",
			Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"status"},
	)
)
