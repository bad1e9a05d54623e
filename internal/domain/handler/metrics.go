package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	canopyDomainsTotal = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "canopy_domains_total",
		Help: "Total number of custom domains by status.",
	}, []string{"status"})

	canopyRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canopy_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	canopyRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "canopy_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	canopyReconcileStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canopy_reconcile_steps_total",
		Help: "Reconciliation steps taken, by step and outcome.",
	}, []string{"step", "outcome"})

	canopyRouteCacheTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canopy_route_cache_total",
		Help: "Routing cache lookups by result.",
	}, []string{"result"})

	canopyWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "canopy_webhook_deliveries_total",
		Help: "Total webhook deliveries by success status.",
	}, []string{"status"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		canopyRequestsTotal.WithLabelValues(method, path, status).Inc()
		canopyRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordReconcileStep records a reconciliation step outcome. Matches the
// reconciler's MetricsRecordFunc signature.
func RecordReconcileStep(step, outcome string) {
	canopyReconcileStepsTotal.WithLabelValues(step, outcome).Inc()
}

// RecordRouteCacheLookup records a routing cache hit or miss.
func RecordRouteCacheLookup(hit bool) {
	if hit {
		canopyRouteCacheTotal.WithLabelValues("hit").Inc()
	} else {
		canopyRouteCacheTotal.WithLabelValues("miss").Inc()
	}
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		canopyWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		canopyWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

// SetDomainsGauge sets the domain count gauge for a given status.
func SetDomainsGauge(status string, count float64) {
	canopyDomainsTotal.WithLabelValues(status).Set(count)
}
