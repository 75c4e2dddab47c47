// ABOUTME: Prometheus instruments for the connection hub
// ABOUTME: Active connections, broadcast deliveries and rejected frames

package hub

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	activeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "switchboard",
		Subsystem: "hub",
		Name:      "active_connections",
		Help:      "Open dashboard websocket connections.",
	})

	deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "switchboard",
		Subsystem: "hub",
		Name:      "deliveries_total",
		Help:      "Frames written to dashboard connections, by outcome.",
	}, []string{"outcome"})

	rejectedFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "switchboard",
		Subsystem: "hub",
		Name:      "rejected_frames_total",
		Help:      "Inbound frames answered with an error, by code.",
	}, []string{"code"})

	evictions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "switchboard",
		Subsystem: "hub",
		Name:      "heartbeat_evictions_total",
		Help:      "Connections closed for missing a liveness probe.",
	})
)
