package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// DepositMetrics records deposit engine activity as seen at the HTTP surface.
type DepositMetrics struct {
	Operations *prometheus.CounterVec
	Latency    *prometheus.HistogramVec
	Deliveries *prometheus.CounterVec
}

var (
	depositMetricsOnce sync.Once
	depositRegistry    *DepositMetrics
)

// Metrics returns the lazily-initialised metrics registry for the service.
func Metrics() *DepositMetrics {
	depositMetricsOnce.Do(func() {
		depositRegistry = &DepositMetrics{
			Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "depositd",
				Subsystem: "engine",
				Name:      "operations_total",
				Help:      "Total deposit operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "depositd",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for deposit API handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "depositd",
				Subsystem: "webhook",
				Name:      "deliveries_total",
				Help:      "Webhook delivery attempts segmented by status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			depositRegistry.Operations,
			depositRegistry.Latency,
			depositRegistry.Deliveries,
		)
	})
	return depositRegistry
}
