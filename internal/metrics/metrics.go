// Package metrics provides HTTP and connection-pool instrumentation for the
// export guard service. Engine-level decision metrics live with the engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

const namespace = "exportguard"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// HTTPInFlight tracks requests currently being served.
	HTTPInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "http_requests_in_flight",
		Help:      "Number of HTTP requests currently being served.",
	})

	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})

	RedisTotalConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "redis_total_connections",
		Help: "Number of connections in the Redis pool.",
	})
	RedisIdleConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "redis_idle_connections",
		Help: "Number of idle connections in the Redis pool.",
	})
	RedisTimeouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "redis_pool_timeouts_total",
		Help: "Times a Redis connection could not be obtained in time.",
	})

	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		HTTPInFlight,
		DBOpenConnections,
		DBInUseConnections,
		DBWaitDuration,
		RedisTotalConns,
		RedisIdleConns,
		RedisTimeouts,
		GoroutineCount,
	)
}

// PoolSources names the connection pools sampled by StartPoolCollector.
// Either may be nil.
type PoolSources struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

// StartPoolCollector periodically samples pool stats and the goroutine count
// into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartPoolCollector(ctx context.Context, src PoolSources, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			samplePools(src)
		}
	}
}

func samplePools(src PoolSources) {
	if src.DB != nil {
		stats := src.DB.Stats()
		DBOpenConnections.Set(float64(stats.OpenConnections))
		DBInUseConnections.Set(float64(stats.InUse))
		DBWaitDuration.Set(stats.WaitDuration.Seconds())
	}
	if src.Redis != nil {
		stats := src.Redis.PoolStats()
		RedisTotalConns.Set(float64(stats.TotalConns))
		RedisIdleConns.Set(float64(stats.IdleConns))
		RedisTimeouts.Set(float64(stats.Timeouts))
	}
	GoroutineCount.Set(float64(runtime.NumGoroutine()))
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		HTTPInFlight.Inc()
		defer HTTPInFlight.Dec()

		path := c.FullPath() // route pattern keeps label cardinality bounded
		if path == "" {
			path = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, path))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, path, statusBucket(c.Writer.Status())).Inc()
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
