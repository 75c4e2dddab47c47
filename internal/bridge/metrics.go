// ABOUTME: Prometheus instruments for the conversation bridge
// ABOUTME: Live conversation gauge and dropped-event counter

package bridge

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	liveConversations = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "switchboard",
		Subsystem: "bridge",
		Name:      "live_conversations",
		Help:      "Conversations held in memory by the bridge.",
	})

	droppedEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "switchboard",
		Subsystem: "bridge",
		Name:      "dropped_events_total",
		Help:      "Channel events with no live conversation, by kind.",
	}, []string{"kind"})

	sendFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "switchboard",
		Subsystem: "bridge",
		Name:      "send_failures_total",
		Help:      "Dashboard messages that could not be forwarded, by channel.",
	}, []string{"channel"})
)
