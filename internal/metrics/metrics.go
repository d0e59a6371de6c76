// Package metrics provides Prometheus instrumentation for Glowdesk.
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
			Namespace: "glowdesk",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "glowdesk",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// CreditsDebitedTotal counts credits successfully debited by operation.
	CreditsDebitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glowdesk",
			Name:      "credits_debited_total",
			Help:      "Total credits debited by operation kind.",
		},
		[]string{"operation"},
	)

	// CreditDenialsTotal counts gate denials by reason.
	CreditDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glowdesk",
			Name:      "credit_denials_total",
			Help:      "Total credit gate denials by reason.",
		},
		[]string{"reason"},
	)

	// SettleAnomaliesTotal counts settle-after-authorize races that found
	// an insufficient balance. These require manual reconciliation.
	SettleAnomaliesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "glowdesk",
			Name:      "settle_anomalies_total",
			Help:      "Total settle attempts that raced into insufficient balance.",
		},
	)

	// WebhookEventsTotal counts billing webhook events by type and result.
	WebhookEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glowdesk",
			Name:      "webhook_events_total",
			Help:      "Total billing webhook events by type and processing result.",
		},
		[]string{"type", "result"},
	)

	// CheckoutSessionsTotal counts checkout sessions by result.
	CheckoutSessionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glowdesk",
			Name:      "checkout_sessions_total",
			Help:      "Total checkout session creation attempts by result.",
		},
		[]string{"result"},
	)

	// LLMRequestsTotal counts content-generation requests by result.
	LLMRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "glowdesk",
			Name:      "llm_requests_total",
			Help:      "Total LLM generation requests by result.",
		},
		[]string{"result"},
	)

	// LLMRequestDuration observes LLM call latency.
	LLMRequestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "glowdesk",
			Name:      "llm_request_duration_seconds",
			Help:      "LLM generation request duration in seconds.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
	)

	// ActiveRealtimeClients tracks connected dashboard WebSocket clients.
	ActiveRealtimeClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "glowdesk",
			Name:      "active_realtime_clients",
			Help:      "Number of currently connected realtime clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "glowdesk", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "glowdesk", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "glowdesk", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "glowdesk", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		CreditsDebitedTotal,
		CreditDenialsTotal,
		SettleAnomaliesTotal,
		WebhookEventsTotal,
		CheckoutSessionsTotal,
		LLMRequestsTotal,
		LLMRequestDuration,
		ActiveRealtimeClients,
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
			c.FullPath(), // Route pattern, not actual path (avoids cardinality explosion)
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

// Handler returns the Prometheus metrics HTTP handler for /metrics.
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
