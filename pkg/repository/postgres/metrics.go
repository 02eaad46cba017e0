package postgres

import (
	"context"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
)

// repositoryMetrics holds prometheus collectors shared by all repositories
// in this package.
type repositoryMetrics struct {
	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	cacheHits     *prometheus.CounterVec
	cacheMisses   *prometheus.CounterVec
	errors        *prometheus.CounterVec
	poolStats     *prometheus.GaugeVec
}

var (
	metricsOnce sync.Once
	pkgMetrics  *repositoryMetrics
)

// initializeMetrics creates and registers repository metrics exactly once.
func initializeMetrics() *repositoryMetrics {
	metricsOnce.Do(func() {
		m := &repositoryMetrics{
			queries: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "repository_queries_total",
					Help: "Total number of repository queries",
				},
				[]string{"operation", "status"},
			),
			queryDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "repository_query_duration_seconds",
					Help:    "Query duration in seconds",
					Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
				},
				[]string{"operation"},
			),
			cacheHits: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "repository_cache_hits_total",
					Help: "Total number of cache hits",
				},
				[]string{"entity"},
			),
			cacheMisses: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "repository_cache_misses_total",
					Help: "Total number of cache misses",
				},
				[]string{"entity"},
			),
			errors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "repository_errors_total",
					Help: "Total number of repository errors",
				},
				[]string{"operation", "error_type"},
			),
			poolStats: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "repository_pool_connections",
					Help: "Database connection pool statistics",
				},
				[]string{"pool", "state"},
			),
		}

		prometheus.MustRegister(
			m.queries,
			m.queryDuration,
			m.cacheHits,
			m.cacheMisses,
			m.errors,
			m.poolStats,
		)

		pkgMetrics = m
	})

	return pkgMetrics
}

func (m *repositoryMetrics) observeQuery(operation string, err error, duration time.Duration) {
	status := "success"
	if err != nil {
		status = "error"
		m.errors.WithLabelValues(operation, classifyDBError(err)).Inc()
	}
	m.queries.WithLabelValues(operation, status).Inc()
	m.queryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (m *repositoryMetrics) recordPoolStats(pool string, db *sqlx.DB) {
	s := db.Stats()
	m.poolStats.WithLabelValues(pool, "open").Set(float64(s.OpenConnections))
	m.poolStats.WithLabelValues(pool, "in_use").Set(float64(s.InUse))
	m.poolStats.WithLabelValues(pool, "idle").Set(float64(s.Idle))
}

// StartPoolStatsMonitor exports connection pool gauges for the repository
// databases until ctx is cancelled.
func StartPoolStatsMonitor(ctx context.Context, writeDB, readDB *sqlx.DB, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	m := initializeMetrics()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.recordPoolStats("write", writeDB)
				if readDB != nil && readDB != writeDB {
					m.recordPoolStats("read", readDB)
				}
			}
		}
	}()
}
