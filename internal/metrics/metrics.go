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
			Namespace: "lemonzee",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lemonzee",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsTotal counts transaction state transitions by resulting status.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lemonzee",
			Name:      "transactions_total",
			Help:      "Total transaction state transitions by resulting status.",
		},
		[]string{"status"},
	)

	// ReleasesTotal counts fund release attempts by result.
	ReleasesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lemonzee",
			Name:      "releases_total",
			Help:      "Total escrow fund release attempts by result.",
		},
		[]string{"result"},
	)

	// PayoutsTotal counts payout disbursement attempts by resulting status.
	PayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lemonzee",
			Name:      "payouts_total",
			Help:      "Total payout disbursement attempts by resulting status.",
		},
		[]string{"status"},
	)

	// ReversalsTotal counts scheduler reversal attempts by result.
	ReversalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lemonzee",
			Name:      "reversals_total",
			Help:      "Total automatic reversal attempts by result.",
		},
		[]string{"result"},
	)

	// WebhookEventsTotal counts inbound provider webhook events by result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lemonzee",
			Name:      "webhook_events_total",
			Help:      "Total inbound provider webhook events by processing result.",
		},
		[]string{"result"},
	)

	// ProviderRequestsTotal counts outbound provider API calls by operation and result.
	ProviderRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lemonzee",
			Name:      "provider_requests_total",
			Help:      "Total outbound provider API calls by operation and result.",
		},
		[]string{"op", "result"},
	)

	// ProviderRequestDuration observes provider call latency by operation.
	ProviderRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "lemonzee",
			Name:      "provider_request_duration_seconds",
			Help:      "Outbound provider API call duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"op"},
	)

	// SettlementDuration observes time from transaction creation to completion.
	SettlementDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "lemonzee",
		Name:      "settlement_duration_seconds",
		Help:      "Time from transaction creation to completed settlement in seconds.",
		Buckets:   []float64{60, 600, 3600, 21600, 86400, 259200, 432000, 1814400},
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lemonzee", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lemonzee", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lemonzee", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "lemonzee", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsTotal,
		ReleasesTotal,
		PayoutsTotal,
		ReversalsTotal,
		WebhookEventsTotal,
		ProviderRequestsTotal,
		ProviderRequestDuration,
		SettlementDuration,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// Middleware records request counts and latency per route pattern.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		// Use the route pattern, not the raw path, to bound cardinality.
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

// Handler returns the /metrics HTTP handler.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// StartDBStatsCollector periodically samples sql.DBStats and the runtime
// goroutine count into Prometheus gauges. Call in a goroutine; exits when ctx
// is done.
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
