package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordAndExpose(t *testing.T) {
	m := New(nil)
	m.UnitAttempt("visits", "transient")
	m.UnitAttempt("visits", "success")
	m.UnitFinished("visits", "succeeded", 1200, 3*time.Second)
	m.Compaction("visits", "noop")
	m.Verification("visits", "consistent", 0, 1.1)

	if got := testutil.ToFloat64(m.RowsInserted.WithLabelValues("visits")); got != 1200 {
		t.Errorf("rows_inserted_total = %v, want 1200", got)
	}
	if got := testutil.ToFloat64(m.UnitAttempts.WithLabelValues("visits", "transient")); got != 1 {
		t.Errorf("unit_attempts_total{transient} = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`shard_migrate_compactions_total{outcome="noop",table="visits"} 1`,
		`shard_migrate_verification_verdicts_total{table="visits",verdict="consistent"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.UnitAttempt("t", "success")
	m.UnitFinished("t", "failed", 0, time.Second)
	m.UnitStarted()
	m.UnitDone()
	m.Compaction("t", "failed")
	m.Verification("t", "inconsistent", 3, 0)
	m.Blocked()
}
