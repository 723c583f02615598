// Package metrics provides Prometheus instrumentation for the settlement platform.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpay",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketpay",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AllocationTransitionsTotal counts escrow allocation state transitions.
	AllocationTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpay",
			Name:      "escrow_allocation_transitions_total",
			Help:      "Escrow allocation state transitions by target state.",
		},
		[]string{"to_state"},
	)

	// RefundsTotal counts refund outcomes by final status.
	RefundsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpay",
			Name:      "refunds_total",
			Help:      "Refund outcomes by status.",
		},
		[]string{"status"},
	)

	// PayoutsTotal counts payout outcomes by final status.
	PayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpay",
			Name:      "payouts_total",
			Help:      "Payout executions by resulting status.",
		},
		[]string{"status"},
	)

	// PayoutRetryExhaustedTotal counts payouts that hit the retry ceiling.
	PayoutRetryExhaustedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketpay",
		Name:      "payout_retry_exhausted_total",
		Help:      "Payouts that failed permanently after exhausting retries.",
	})

	// SettlementsGeneratedTotal counts generated settlements.
	SettlementsGeneratedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketpay",
		Name:      "settlements_generated_total",
		Help:      "Settlements generated.",
	})

	// ReconciliationMismatchesTotal counts settlement reconciliation failures.
	ReconciliationMismatchesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "marketpay",
		Name:      "reconciliation_mismatches_total",
		Help:      "Settlement generations halted by a reconciliation mismatch.",
	})

	// ProviderCallDuration observes provider round-trips by operation.
	ProviderCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "marketpay",
			Name:      "provider_call_duration_seconds",
			Help:      "Payment/refund/payout provider call duration.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)

	// OutboxDispatchesTotal counts outbox deliveries by result.
	OutboxDispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "marketpay",
			Name:      "outbox_dispatches_total",
			Help:      "Outbox event dispatch attempts by result.",
		},
		[]string{"result"},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketpay", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketpay", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketpay", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "marketpay", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AllocationTransitionsTotal,
		RefundsTotal,
		PayoutsTotal,
		PayoutRetryExhaustedTotal,
		SettlementsGeneratedTotal,
		ReconciliationMismatchesTotal,
		ProviderCallDuration,
		OutboxDispatchesTotal,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
