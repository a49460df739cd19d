// Package metrics provides Prometheus metrics for migration runs.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "shard_migrate"

// Metrics holds all Prometheus metrics of a run. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	// Unit metrics
	UnitsFinished *prometheus.CounterVec
	UnitAttempts  *prometheus.CounterVec
	UnitDuration  *prometheus.HistogramVec
	RowsInserted  *prometheus.CounterVec

	// Phase metrics
	Compactions   *prometheus.CounterVec
	Verdicts      *prometheus.CounterVec
	MissingIDs    *prometheus.GaugeVec
	ShardSkew     *prometheus.GaugeVec
	TablesBlocked prometheus.Gauge

	// Pipeline metrics
	InFlightUnits prometheus.Gauge

	gatherer prometheus.Gatherer
}

// New registers the metrics with reg. A nil reg uses a fresh registry, so
// tests and repeated runs in one process do not collide.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &Metrics{
		UnitsFinished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_finished_total",
				Help:      "Units that reached a final state in this process",
			},
			[]string{"table", "state"},
		),
		UnitAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unit_attempts_total",
				Help:      "Transfer statement attempts, including retries",
			},
			[]string{"table", "outcome"},
		),
		UnitDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "unit_duration_seconds",
				Help:      "Wall time of a unit including retries and backoff",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 14), // 0.5s to ~68m
			},
			[]string{"table"},
		),
		RowsInserted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rows_inserted_total",
				Help:      "Rows reported inserted by successful units",
			},
			[]string{"table"},
		),
		Compactions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "compactions_total",
				Help:      "Compaction outcomes per table (success, noop, failed)",
			},
			[]string{"table", "outcome"},
		),
		Verdicts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "verification_verdicts_total",
				Help:      "Reconciliation verdicts per table",
			},
			[]string{"table", "verdict"},
		),
		MissingIDs: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "missing_ids",
				Help:      "Source distinct ids minus destination distinct ids at last verification",
			},
			[]string{"table"},
		),
		ShardSkew: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "shard_skew_ratio",
				Help:      "Largest shard rows over mean shard rows",
			},
			[]string{"table"},
		),
		TablesBlocked: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tables_blocked",
			Help:      "Tables blocked in the current run",
		}),
		InFlightUnits: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "in_flight_units",
			Help:      "Units currently holding a worker slot",
		}),
		gatherer: reg,
	}
}

// UnitAttempt counts one statement attempt.
func (m *Metrics) UnitAttempt(table, outcome string) {
	if m == nil {
		return
	}
	m.UnitAttempts.WithLabelValues(table, outcome).Inc()
}

// UnitFinished records a unit that reached a final state.
func (m *Metrics) UnitFinished(table, state string, rows int64, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.UnitsFinished.WithLabelValues(table, state).Inc()
	m.UnitDuration.WithLabelValues(table).Observe(elapsed.Seconds())
	if rows > 0 {
		m.RowsInserted.WithLabelValues(table).Add(float64(rows))
	}
}

// UnitStarted and UnitDone track worker slot usage.
func (m *Metrics) UnitStarted() {
	if m != nil {
		m.InFlightUnits.Inc()
	}
}

func (m *Metrics) UnitDone() {
	if m != nil {
		m.InFlightUnits.Dec()
	}
}

// Compaction records a compaction outcome.
func (m *Metrics) Compaction(table, outcome string) {
	if m == nil {
		return
	}
	m.Compactions.WithLabelValues(table, outcome).Inc()
}

// Verification records a reconciliation verdict.
func (m *Metrics) Verification(table, verdict string, missing int64, skew float64) {
	if m == nil {
		return
	}
	m.Verdicts.WithLabelValues(table, verdict).Inc()
	m.MissingIDs.WithLabelValues(table).Set(float64(missing))
	m.ShardSkew.WithLabelValues(table).Set(skew)
}

// Blocked increments the blocked table gauge.
func (m *Metrics) Blocked() {
	if m != nil {
		m.TablesBlocked.Inc()
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Serve exposes /metrics and /health on address until ctx is done.
func (m *Metrics) Serve(ctx context.Context, address string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	srv := &http.Server{Addr: address, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
