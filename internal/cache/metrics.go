package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "switchboard",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Cache lookups served from the cache.",
	}, []string{"namespace"})

	cacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "switchboard",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Cache lookups that fell through to the store.",
	}, []string{"namespace"})

	cacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "switchboard",
		Subsystem: "cache",
		Name:      "errors_total",
		Help:      "Backend failures swallowed by the cache.",
	}, []string{"op"})
)
