package metrics

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// QueueCounts is one queue's job counts by state.
type QueueCounts struct {
	Waiting   int
	Active    int
	Completed int
	Failed    int
}

// QueueStats provides the collector access to queue depth.
type QueueStats interface {
	QueueCounts(ctx context.Context) (map[string]QueueCounts, error)
}

// Collector implements prometheus.Collector to read live gauges at scrape time.
type Collector struct {
	pool   *pgxpool.Pool
	queues QueueStats

	queueJobs       *prometheus.Desc
	dbTotalConns    *prometheus.Desc
	dbAcquiredConns *prometheus.Desc
	dbIdleConns     *prometheus.Desc
}

// NewCollector creates a collector that reads live state at scrape time.
// pool may be nil (metrics will report 0). queues may be nil.
func NewCollector(pool *pgxpool.Pool, queues QueueStats) *Collector {
	return &Collector{
		pool:   pool,
		queues: queues,
		queueJobs: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "queue", "jobs"),
			"Jobs per queue and state.",
			[]string{"queue", "state"}, nil,
		),
		dbTotalConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "total_conns"),
			"Total database pool connections.",
			nil, nil,
		),
		dbAcquiredConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "acquired_conns"),
			"Database pool connections currently in use.",
			nil, nil,
		),
		dbIdleConns: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "db_pool", "idle_conns"),
			"Database pool idle connections.",
			nil, nil,
		),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.queueJobs
	ch <- c.dbTotalConns
	ch <- c.dbAcquiredConns
	ch <- c.dbIdleConns
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	if c.queues != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		counts, err := c.queues.QueueCounts(ctx)
		cancel()
		if err == nil {
			for name, qc := range counts {
				ch <- prometheus.MustNewConstMetric(c.queueJobs, prometheus.GaugeValue, float64(qc.Waiting), name, "waiting")
				ch <- prometheus.MustNewConstMetric(c.queueJobs, prometheus.GaugeValue, float64(qc.Active), name, "active")
				ch <- prometheus.MustNewConstMetric(c.queueJobs, prometheus.GaugeValue, float64(qc.Completed), name, "completed")
				ch <- prometheus.MustNewConstMetric(c.queueJobs, prometheus.GaugeValue, float64(qc.Failed), name, "failed")
			}
		}
	}

	if c.pool != nil {
		stat := c.pool.Stat()
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, float64(stat.TotalConns()))
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, float64(stat.AcquiredConns()))
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, float64(stat.IdleConns()))
	} else {
		ch <- prometheus.MustNewConstMetric(c.dbTotalConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbAcquiredConns, prometheus.GaugeValue, 0)
		ch <- prometheus.MustNewConstMetric(c.dbIdleConns, prometheus.GaugeValue, 0)
	}
}
