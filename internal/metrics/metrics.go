// Package metrics exposes Prometheus instrumentation for the proxy.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks currently open client WebSockets.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liveai_active_connections",
		Help: "Number of open client WebSocket connections.",
	})

	// ActiveSessions tracks registered proxy sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liveai_active_sessions",
		Help: "Number of live proxy sessions.",
	})

	// TotalConnections counts every admitted client connection.
	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveai_connections_total",
		Help: "Total client connections accepted since startup.",
	})

	// FramesSent counts frames written to clients, by frame type.
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveai_frames_sent_total",
		Help: "Frames sent to clients.",
	}, []string{"type"})

	// FramesReceived counts frames read from clients, by frame type.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveai_frames_received_total",
		Help: "Frames received from clients.",
	}, []string{"type"})

	// PoolReady tracks the number of pre-warmed upstream clients available.
	PoolReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "liveai_pool_ready",
		Help: "Pre-warmed upstream clients currently in the pool.",
	})

	// Reconnections counts transparent upstream reconnections.
	Reconnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveai_upstream_reconnections_total",
		Help: "Transparent upstream session reconnections.",
	})

	// BannedConnections counts connections refused by the abuse gate.
	BannedConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "liveai_banned_connections_total",
		Help: "Connections refused because the source IP is banned.",
	})

	// TranscriptsPublished counts transcript envelopes published to the bus, by role.
	TranscriptsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "liveai_transcripts_published_total",
		Help: "Transcript messages published to the message bus.",
	}, []string{"role"})
)
