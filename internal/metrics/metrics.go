package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynamic_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dynamic_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dynamic_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	ExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dynamic_api_executions_total",
			Help: "Dynamic endpoint executions by endpoint and outcome",
		},
		[]string{"endpoint_id", "outcome", "status"},
	)

	ExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dynamic_api_execution_duration_seconds",
			Help:    "Duration of dynamic endpoint executions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"dialect"},
	)

	OpenPools = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dynamic_api_open_pools",
			Help: "Number of open datasource connection pools",
		},
	)

	TelemetryDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dynamic_api_telemetry_write_errors_total",
			Help: "Access log or usage writes that failed",
		},
	)
)

func RecordExecution(endpointID uint, outcome string, status int) {
	ExecutionsTotal.WithLabelValues(strconv.FormatUint(uint64(endpointID), 10), outcome, strconv.Itoa(status)).Inc()
}

func ObserveQuery(dialect string, d time.Duration) {
	ExecutionDuration.WithLabelValues(dialect).Observe(d.Seconds())
}

// Middleware records HTTP metrics for every gin route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		c.Next()

		// Use the route pattern if available, otherwise use the path
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		status := strconv.Itoa(c.Writer.Status())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
