package services

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gclb_cert_rotations_total",
			Help: "Certificate rotations by decision path and result",
		},
		[]string{"path", "result"},
	)

	rebindsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "gclb_cert_rebinds_total",
			Help: "Proxies whose certificate list was rewritten",
		},
	)

	operationWaitSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gclb_cert_operation_wait_seconds",
			Help:    "Time spent waiting for long-running operations",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(rotationsTotal, rebindsTotal, operationWaitSeconds)
}

// MetricsHandler 暴露 Prometheus 指标
func MetricsHandler() http.Handler {
	return promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
