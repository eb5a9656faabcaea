package metrics

import (
	"database/sql"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DBStatsCollector periodically copies connection pool statistics into the
// DBConnections gauge. Either pool may be nil.
type DBStatsCollector struct {
	pgxPool *pgxpool.Pool
	sqlDB   *sql.DB
	logger  *slog.Logger
	stopCh  chan struct{}
}

// NewDBStatsCollector creates a new database stats collector
func NewDBStatsCollector(pgxPool *pgxpool.Pool, sqlDB *sql.DB, logger *slog.Logger) *DBStatsCollector {
	if logger == nil {
		logger = slog.Default()
	}
	return &DBStatsCollector{
		pgxPool: pgxPool,
		sqlDB:   sqlDB,
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting database statistics at regular intervals
func (c *DBStatsCollector) Start(interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				return
			}
		}
	}()

	c.logger.Info("database stats collector started", slog.Duration("interval", interval))
}

// Stop stops the database stats collector
func (c *DBStatsCollector) Stop() {
	close(c.stopCh)
}

func (c *DBStatsCollector) collect() {
	if c.pgxPool != nil {
		stat := c.pgxPool.Stat()
		DBConnections.WithLabelValues("accounts", "open").Set(float64(stat.TotalConns()))
		DBConnections.WithLabelValues("accounts", "in_use").Set(float64(stat.AcquiredConns()))
		DBConnections.WithLabelValues("accounts", "idle").Set(float64(stat.IdleConns()))
		DBConnections.WithLabelValues("accounts", "max_open").Set(float64(stat.MaxConns()))
	}

	if c.sqlDB != nil {
		stats := c.sqlDB.Stats()
		DBConnections.WithLabelValues("revocation", "open").Set(float64(stats.OpenConnections))
		DBConnections.WithLabelValues("revocation", "in_use").Set(float64(stats.InUse))
		DBConnections.WithLabelValues("revocation", "idle").Set(float64(stats.Idle))
		DBConnections.WithLabelValues("revocation", "max_open").Set(float64(stats.MaxOpenConnections))
	}
}

// TimeQuery times a database operation.
// Usage: defer metrics.TimeQuery("account_update")()
func TimeQuery(operation string) func() {
	start := time.Now()
	return func() {
		DBQueryDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}
