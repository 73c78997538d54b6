package feature

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 特征存储的运行指标。
var (
	eventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "onlinerec",
		Subsystem: "feature",
		Name:      "events_total",
		Help:      "Ingested interaction events by type.",
	}, []string{"type"})

	dedupTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "onlinerec",
		Subsystem: "feature",
		Name:      "events_deduplicated_total",
		Help:      "Events rejected as duplicate deliveries.",
	})

	cacheHitTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "onlinerec",
		Subsystem: "feature",
		Name:      "cache_hits_total",
		Help:      "Feature vector cache hits.",
	})

	cacheMissTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "onlinerec",
		Subsystem: "feature",
		Name:      "cache_misses_total",
		Help:      "Feature vector cache misses.",
	})

	staleServeTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "onlinerec",
		Subsystem: "feature",
		Name:      "stale_serves_total",
		Help:      "Requests served from expired cache during backend outage.",
	})

	writeDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "onlinerec",
		Subsystem: "feature",
		Name:      "writebehind_dropped_total",
		Help:      "Write-behind tasks dropped because the queue was full.",
	})

	backendErrorTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "onlinerec",
		Subsystem: "feature",
		Name:      "backend_errors_total",
		Help:      "Backend operation failures by operation.",
	}, []string{"op"})
)

func recordEvent(eventType string) { eventsTotal.WithLabelValues(eventType).Inc() }
func recordDedup()                 { dedupTotal.Inc() }
func recordCacheHit()              { cacheHitTotal.Inc() }
func recordCacheMiss()             { cacheMissTotal.Inc() }
func recordStaleServe()            { staleServeTotal.Inc() }
func recordWriteDropped()          { writeDroppedTotal.Inc() }
func recordBackendError(op string) { backendErrorTotal.WithLabelValues(op).Inc() }
