package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "session_store"

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by method, route and status code.",
	}, []string{"method", "path", "code"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request latency by method and route.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})

	// SessionOperations counts store operations by name and outcome.
	SessionOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "operations_total",
		Help:      "Session store operations by operation and result.",
	}, []string{"operation", "result"})

	// SessionsSecured counts legacy rows moved to their private id, by result.
	SessionsSecured = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "secured_total",
		Help:      "Legacy sessions re-keyed to their private id.",
	}, []string{"result"})

	// SessionOverflows counts saves rejected for exceeding the data limit.
	SessionOverflows = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "overflows_total",
		Help:      "Session saves rejected because the payload exceeded the column limit.",
	})

	// SessionsTrimmed counts rows removed by age based cleanup.
	SessionsTrimmed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "trimmed_total",
		Help:      "Sessions deleted by the trim job.",
	})

	// SessionsMigrated counts payloads rewritten from the legacy marshal encoding.
	SessionsMigrated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "migrated_total",
		Help:      "Session payloads rewritten from the legacy encoding.",
	})
)

// RecordSessionOp increments the operation counter; err decides the result label.
func RecordSessionOp(operation string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	SessionOperations.WithLabelValues(operation, result).Inc()
}

// PrometheusMiddleware records request count and latency per route.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}
