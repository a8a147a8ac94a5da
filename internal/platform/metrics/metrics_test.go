package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_RegistersOnCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RecordOperation("upsert", "ok", 10*time.Millisecond, 2.5)
	m.RecordOperation("upsert", "ok", 5*time.Millisecond, 0)
	m.RecordRetry("interactive")
	m.RecordQueryPage()
	m.RecordQueryStop(StopThrottled)
	m.SetSearchParameterCounts(map[string]int{"searchable": 4})
	m.RecordStatusUpdate()
	m.RecordNotification()

	if got := testutil.ToFloat64(m.StoreOperationsTotal.WithLabelValues("upsert", "ok")); got != 2 {
		t.Errorf("expected 2 upsert operations, got %v", got)
	}
	if got := testutil.ToFloat64(m.StoreRequestCharge.WithLabelValues("upsert")); got != 2.5 {
		t.Errorf("expected request charge 2.5, got %v", got)
	}
	if got := testutil.ToFloat64(m.QueryStopsTotal.WithLabelValues(StopThrottled)); got != 1 {
		t.Errorf("expected 1 throttled stop, got %v", got)
	}
	if got := testutil.ToFloat64(m.SearchParameters.WithLabelValues("searchable")); got != 4 {
		t.Errorf("expected 4 searchable parameters, got %v", got)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(families) == 0 {
		t.Fatal("expected registered metric families")
	}
}

func TestNilMetrics_NoPanic(t *testing.T) {
	var m *Metrics
	m.RecordOperation("read", "ok", time.Millisecond, 1)
	m.RecordRetry("batch")
	m.RecordQueryPage()
	m.RecordQueryStop(StopTimeout)
	m.SetSearchParameterCounts(map[string]int{"searchable": 1})
	m.RecordStatusUpdate()
	m.RecordNotification()
}
