// Package stats holds connection pool statistics shared by the pool, the
// status output and the metrics exporter.
package stats

import "fmt"

// PoolStats is a point-in-time view of one named connection pool.
type PoolStats struct {
	Conn        string // connection id and engine, e.g. "destination/clickhouse"
	MaxConns    int    // Maximum connections allowed
	ActiveConns int    // Currently in-use connections
	IdleConns   int    // Currently idle connections
	WaitCount   int64  // Total number of times a connection was waited for
	WaitTimeMs  int64  // Total time spent waiting for connections (milliseconds)
}

// String returns a formatted string for logging pool stats.
func (s PoolStats) String() string {
	return fmt.Sprintf("%s: %d/%d active, %d idle, %d waits (%.1fms avg)",
		s.Conn, s.ActiveConns, s.MaxConns, s.IdleConns,
		s.WaitCount, s.AvgWaitMs())
}

// AvgWaitMs is the mean wait per blocked acquisition.
func (s PoolStats) AvgWaitMs() float64 {
	return float64(s.WaitTimeMs) / float64(max(s.WaitCount, 1))
}

// Saturated reports whether every connection is busy.
func (s PoolStats) Saturated() bool {
	return s.MaxConns > 0 && s.ActiveConns >= s.MaxConns
}
