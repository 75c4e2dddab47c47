// ABOUTME: Prometheus instruments for voice tool calls
// ABOUTME: Call duration histogram labelled by tool and outcome

package tools

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var callDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "switchboard",
	Subsystem: "tools",
	Name:      "call_duration_seconds",
	Help:      "Voice tool call latency, by tool and outcome.",
	Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
}, []string{"tool", "outcome"})
