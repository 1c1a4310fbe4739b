package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveCycleCountsOutcomes(t *testing.T) {
	m := New()
	m.ObserveCycle("full_day", "removed", time.Second)
	m.ObserveCycle("full_day", "removed", 2*time.Second)
	m.ObserveCycle("continuous", "repeat", time.Second)

	if got := testutil.ToFloat64(m.CycleOutcome.WithLabelValues("full_day", "removed")); got != 2 {
		t.Fatalf("expected 2 removed cycles, got %v", got)
	}
	if got := testutil.ToFloat64(m.CycleOutcome.WithLabelValues("continuous", "repeat")); got != 1 {
		t.Fatalf("expected 1 repeat cycle, got %v", got)
	}
}

func TestSeparateInstancesDoNotCollide(t *testing.T) {
	a := New()
	b := New()
	a.IncrementRemoved("full_day")
	if got := testutil.ToFloat64(b.EntriesRemoved.WithLabelValues("full_day")); got != 0 {
		t.Fatalf("registries must be independent, got %v", got)
	}
}

func TestHandlerServesMetrics(t *testing.T) {
	m := New()
	m.SetLoopRunning("full_day", true)
	m.ObserveVariant("all", "ok")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	text := string(body)
	for _, want := range []string{"pucs_loop_running", "pucs_qrz_fetch_variants_total", "go_goroutines"} {
		if !strings.Contains(text, want) {
			t.Fatalf("metrics output missing %s", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveCycle("full_day", "idle", time.Second)
	m.SetRecordsParsed("full_day", 3)
	m.MarkFetchSuccess("full_day", time.Now())
	if m.Registry() != nil {
		t.Fatalf("nil metrics must have no registry")
	}
}
