// Package metrics exposes Prometheus collectors for queries, streams and the
// connection pool.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flydelta/internal/pool"
)

var (
	// QueriesTotal counts request phases by outcome (ok, invalid, unavailable, canceled, error).
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flydelta_queries_total",
			Help: "Total number of query requests",
		},
		[]string{"phase", "outcome"},
	)
	// QueryDuration is the latency of the info and probe phases and the
	// lifetime of data streams.
	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "flydelta_query_duration_seconds",
			Help:    "Query phase latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"phase"},
	)
	// StreamsTotal counts finished data streams by terminal state.
	StreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flydelta_streams_total",
			Help: "Total number of finished result streams",
		},
		[]string{"state"},
	)
	// RowsStreamed counts rows sent to clients.
	RowsStreamed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flydelta_rows_streamed_total",
		Help: "Total number of rows sent to clients",
	})
	// BatchesStreamed counts record batches sent to clients.
	BatchesStreamed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flydelta_batches_streamed_total",
		Help: "Total number of record batches sent to clients",
	})
	// RateLimited counts requests rejected by the rate limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "flydelta_rate_limited_total",
		Help: "Total number of requests rejected by the rate limiter",
	})
)

// ObserveQuery records one request phase.
func ObserveQuery(phase, outcome string, elapsed time.Duration) {
	QueriesTotal.WithLabelValues(phase, outcome).Inc()
	QueryDuration.WithLabelValues(phase).Observe(elapsed.Seconds())
}

// ObserveStream records a finished result stream.
func ObserveStream(state string, batches, rows int64, elapsed time.Duration) {
	StreamsTotal.WithLabelValues(state).Inc()
	BatchesStreamed.Add(float64(batches))
	RowsStreamed.Add(float64(rows))
	QueryDuration.WithLabelValues("stream").Observe(elapsed.Seconds())
}

// PoolCollector reports pool usage at scrape time.
type PoolCollector struct {
	stats func() pool.Stats

	capacity *prometheus.Desc
	inUse    *prometheus.Desc
	idle     *prometheus.Desc
	waiting  *prometheus.Desc
	acquired *prometheus.Desc
	timedOut *prometheus.Desc
}

// NewPoolCollector returns a collector that reads stats on every scrape.
func NewPoolCollector(stats func() pool.Stats) *PoolCollector {
	return &PoolCollector{
		stats:    stats,
		capacity: prometheus.NewDesc("flydelta_pool_capacity", "Configured number of pooled connections", nil, nil),
		inUse:    prometheus.NewDesc("flydelta_pool_in_use", "Connections currently leased", nil, nil),
		idle:     prometheus.NewDesc("flydelta_pool_idle", "Connections currently idle", nil, nil),
		waiting:  prometheus.NewDesc("flydelta_pool_waiting", "Requests waiting for a connection", nil, nil),
		acquired: prometheus.NewDesc("flydelta_pool_acquired_total", "Total number of connection leases", nil, nil),
		timedOut: prometheus.NewDesc("flydelta_pool_acquire_timeouts_total", "Total number of acquire timeouts", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *PoolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.capacity
	ch <- c.inUse
	ch <- c.idle
	ch <- c.waiting
	ch <- c.acquired
	ch <- c.timedOut
}

// Collect implements prometheus.Collector.
func (c *PoolCollector) Collect(ch chan<- prometheus.Metric) {
	s := c.stats()
	ch <- prometheus.MustNewConstMetric(c.capacity, prometheus.GaugeValue, float64(s.Capacity))
	ch <- prometheus.MustNewConstMetric(c.inUse, prometheus.GaugeValue, float64(s.InUse))
	ch <- prometheus.MustNewConstMetric(c.idle, prometheus.GaugeValue, float64(s.Idle))
	ch <- prometheus.MustNewConstMetric(c.waiting, prometheus.GaugeValue, float64(s.Waiting))
	ch <- prometheus.MustNewConstMetric(c.acquired, prometheus.CounterValue, float64(s.Acquired))
	ch <- prometheus.MustNewConstMetric(c.timedOut, prometheus.CounterValue, float64(s.TimedOut))
}

// Handler returns the Prometheus HTTP handler for /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
