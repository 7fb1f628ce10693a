// Package metrics provides Prometheus instrumentation for the brokerage.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riddleswap"

// HTTP surface.
var (
	// HTTPRequestsTotal counts requests by method, route pattern, and status class.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "Total HTTP requests by method, route pattern, and status class.",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration observes request latency by method and route pattern.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Escrow lifecycle.
var (
	// EscrowsCreatedTotal counts escrows opened by trade kind.
	EscrowsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrows_created_total",
		Help:      "Total escrows created by kind.",
	}, []string{"kind"})

	// EscrowTransitionsTotal counts status transitions by from/to pair.
	EscrowTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "escrow_transitions_total",
		Help:      "Total escrow status transitions.",
	}, []string{"from", "to"})

	// ActiveEscrows tracks non-terminal escrows by status.
	ActiveEscrows = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_escrows",
		Help:      "Number of escrows currently in each non-terminal status.",
	}, []string{"status"})

	// EscrowDuration observes time from creation to a terminal status.
	EscrowDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "escrow_duration_seconds",
		Help:      "Time from escrow creation to terminal status in seconds.",
		Buckets:   []float64{10, 30, 60, 120, 300, 600, 1800, 3600, 86400},
	})

	// RefundsTotal counts refund attempts by outcome.
	RefundsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refunds_total",
		Help:      "Total refund attempts by outcome.",
	}, []string{"outcome"})

	// QueueDepth tracks escrows currently scheduled for processing.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "queue_depth",
		Help:      "Number of escrows scheduled in the work queue.",
	})
)

// Chain adapters.
var (
	// ChainRequestsTotal counts ledger adapter calls by chain, op, and outcome.
	ChainRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "chain_requests_total",
		Help:      "Total ledger adapter requests by chain, operation, and outcome.",
	}, []string{"chain", "op", "outcome"})

	// ChainRequestDuration observes ledger adapter latency by chain and op.
	ChainRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "chain_request_duration_seconds",
		Help:      "Ledger adapter request duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"chain", "op"})

	// ConfirmationChecksTotal counts confirmation polls by chain and result.
	ConfirmationChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "confirmation_checks_total",
		Help:      "Total confirmation checks by chain and result.",
	}, []string{"chain", "result"})
)

// ActiveWebSocketClients tracks connected realtime subscribers.
var ActiveWebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Name:      "active_websocket_clients",
	Help:      "Number of currently connected WebSocket clients.",
})

// ObserveChainOp increments the adapter request counter and returns a function
// to record the outcome and duration. Call the returned function exactly once.
func ObserveChainOp(chain, op string) func(outcome string) {
	start := time.Now()
	return func(outcome string) {
		ChainRequestsTotal.WithLabelValues(chain, op, outcome).Inc()
		ChainRequestDuration.WithLabelValues(chain, op).Observe(time.Since(start).Seconds())
	}
}

// dbStats exports connection pool gauges read from sql.DBStats at scrape
// time. Goroutine counts come from the default Go collector already.
type dbStats struct {
	db       *sql.DB
	open     *prometheus.Desc
	idle     *prometheus.Desc
	inUse    *prometheus.Desc
	waits    *prometheus.Desc
	waitTime *prometheus.Desc
}

// RegisterDBStats exposes pool health for one database handle. Calling it
// twice is harmless.
func RegisterDBStats(db *sql.DB) {
	c := &dbStats{
		db:       db,
		open:     prometheus.NewDesc(namespace+"_db_open_connections", "Open database connections.", nil, nil),
		idle:     prometheus.NewDesc(namespace+"_db_idle_connections", "Idle database connections.", nil, nil),
		inUse:    prometheus.NewDesc(namespace+"_db_in_use_connections", "In-use database connections.", nil, nil),
		waits:    prometheus.NewDesc(namespace+"_db_wait_count_total", "Total connections waited for.", nil, nil),
		waitTime: prometheus.NewDesc(namespace+"_db_wait_duration_seconds_total", "Total time spent waiting for a connection.", nil, nil),
	}
	if err := prometheus.Register(c); err != nil {
		var dup prometheus.AlreadyRegisteredError
		if !errors.As(err, &dup) {
			panic(err)
		}
	}
}

func (c *dbStats) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.open
	ch <- c.idle
	ch <- c.inUse
	ch <- c.waits
	ch <- c.waitTime
}

func (c *dbStats) Collect(ch chan<- prometheus.Metric) {
	s := c.db.Stats()
	ch <- prometheus.MustNewConstMetric(c.open, prometheus.GaugeValue, float64(s.OpenConnections))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.InUse))
	ch <- prometheus.MustNewConstMetric(c.waits, prometheus.CounterValue, float64(s.WaitCount))
	ch <- prometheus.MustNewConstMetric(c.waitTime, prometheus.CounterValue, s.WaitDuration.Seconds())
}

// Middleware records request counts and latency per route pattern. Requests
// that match no route are folded into one "unmatched" label so scanners
// cannot inflate cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		method := c.Request.Method
		HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(method, route, statusBucket(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry on /metrics.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusBucket folds status codes into classes (2xx, 3xx, ...) to keep
// label cardinality flat.
func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
