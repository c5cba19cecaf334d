// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lodgely",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lodgely",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// SettlementRunsTotal counts settlement worker cycles by outcome.
	SettlementRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lodgely",
			Subsystem: "settlement",
			Name:      "runs_total",
			Help:      "Total settlement worker cycles by outcome.",
		},
		[]string{"outcome"}, // completed, lock_contended, error
	)

	// SettlementExecutionsTotal counts fund settlements by subject and result.
	SettlementExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lodgely",
			Subsystem: "settlement",
			Name:      "executions_total",
			Help:      "Total fund settlement executions by subject and result.",
		},
		[]string{"subject", "result"}, // result: pending, skipped_dispute, failed, attention
	)

	// TransfersTotal counts provider transfer states seen via reconciliation.
	TransfersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lodgely",
			Subsystem: "provider",
			Name:      "transfers_total",
			Help:      "Total provider transfer outcomes by state.",
		},
		[]string{"state"}, // initiated, confirmed, failed, reversed, unknown
	)

	// WebhookEventsTotal counts inbound provider webhook events by result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lodgely",
			Subsystem: "reconcile",
			Name:      "webhook_events_total",
			Help:      "Total inbound provider webhook events by result.",
		},
		[]string{"result"}, // applied, duplicate, stale, unknown_reference, error
	)

	// ActiveJobLocks tracks currently held (non-expired) job locks.
	ActiveJobLocks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lodgely",
		Name:      "active_job_locks",
		Help:      "Number of currently held job locks.",
	})

	// AttentionBookings tracks bookings flagged for manual handling.
	AttentionBookings = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lodgely",
		Name:      "attention_bookings",
		Help:      "Number of bookings flagged requires-attention.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lodgely", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lodgely", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lodgely", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		SettlementRunsTotal,
		SettlementExecutionsTotal,
		TransfersTotal,
		WebhookEventsTotal,
		ActiveJobLocks,
		AttentionBookings,
		DBOpenConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Middleware records request counts and latencies for gin routes.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method, path, strconv.Itoa(c.Writer.Status()),
		).Inc()
		HTTPRequestDuration.WithLabelValues(
			c.Request.Method, path,
		).Observe(time.Since(start).Seconds())
	}
}

// Handler returns the Prometheus scrape endpoint as a gin handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// StartRuntimeCollector periodically samples DB pool and runtime stats.
// Call in a goroutine; stops when ctx is done.
func StartRuntimeCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
			if db != nil {
				stats := db.Stats()
				DBOpenConnections.Set(float64(stats.OpenConnections))
				DBInUseConnections.Set(float64(stats.InUse))
			}
		}
	}
}
