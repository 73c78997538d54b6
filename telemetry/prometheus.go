package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PromSink 把观测事件上报到 Prometheus 默认注册表。
type PromSink struct {
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	events      *prometheus.CounterVec
	driftChecks *prometheus.CounterVec
	assignments *prometheus.CounterVec
}

// NewPromSink 创建 Prometheus 观测器。进程内只应创建一次。
func NewPromSink() *PromSink {
	return &PromSink{
		requests: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onlinerec",
			Subsystem: "engine",
			Name:      "recommend_requests_total",
			Help:      "Recommendation requests served.",
		}, []string{"scene", "cold_start"}),
		latency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "onlinerec",
			Subsystem: "engine",
			Name:      "recommend_latency_seconds",
			Help:      "Recommendation request latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"scene"}),
		events: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onlinerec",
			Subsystem: "engine",
			Name:      "ingested_events_total",
			Help:      "Interaction events handled by the engine.",
		}, []string{"type", "dup"}),
		driftChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onlinerec",
			Subsystem: "engine",
			Name:      "drift_checks_total",
			Help:      "Drift checks by resulting level.",
		}, []string{"level"}),
		assignments: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onlinerec",
			Subsystem: "engine",
			Name:      "experiment_assignments_total",
			Help:      "Experiment variant assignments.",
		}, []string{"experiment", "variant"}),
	}
}

func (s *PromSink) RecommendServed(scene string, coldStart bool, elapsed time.Duration) {
	cold := "false"
	if coldStart {
		cold = "true"
	}
	s.requests.WithLabelValues(scene, cold).Inc()
	s.latency.WithLabelValues(scene).Observe(elapsed.Seconds())
}

func (s *PromSink) EventIngested(eventType string, dup bool) {
	d := "false"
	if dup {
		d = "true"
	}
	s.events.WithLabelValues(eventType, d).Inc()
}

func (s *PromSink) DriftChecked(level string) {
	s.driftChecks.WithLabelValues(level).Inc()
}

func (s *PromSink) ExperimentAssigned(experimentID, variantID string) {
	s.assignments.WithLabelValues(experimentID, variantID).Inc()
}

// Handler 返回 /metrics 的 HTTP handler。
func Handler() http.Handler {
	return promhttp.Handler()
}
