package admission

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llmgatewayd_admission_requests_total",
			Help: "Inference requests handled by the admission pipeline",
		},
		[]string{"route", "provider", "status"},
	)

	requestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llmgatewayd_admission_request_duration_seconds",
			Help:    "End-to-end admission pipeline latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route", "provider", "status"},
	)
)

func recordRequest(route, provider, status string, durationSeconds float64) {
	requestsTotal.WithLabelValues(route, provider, status).Inc()
	requestDuration.WithLabelValues(route, provider, status).Observe(durationSeconds)
}
