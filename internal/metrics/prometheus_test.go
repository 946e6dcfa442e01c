package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordEnqueue(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.RecordEnqueue("category", true)
	pm.RecordEnqueue("category", false)
	pm.RecordEnqueue("category", false)

	if got := testutil.ToFloat64(pm.jobsEnqueuedTotal.WithLabelValues("category")); got != 1 {
		t.Errorf("enqueued = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pm.jobsDeduplicatedTotal.WithLabelValues("category")); got != 2 {
		t.Errorf("deduplicated = %v, want 2", got)
	}
}

func TestRecordJobFailure(t *testing.T) {
	pm := NewPrometheusMetrics()

	pm.RecordJobFailure("product", "structural_mismatch", true, time.Second)
	pm.RecordJobFailure("product", "structural_mismatch", false, time.Second)

	if got := testutil.ToFloat64(pm.jobsRetriedTotal.WithLabelValues("product", "structural_mismatch")); got != 1 {
		t.Errorf("retried = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pm.jobsFailedTotal.WithLabelValues("product", "structural_mismatch")); got != 1 {
		t.Errorf("failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(pm.structuralMismatchTotal.WithLabelValues("product")); got != 2 {
		t.Errorf("structural mismatches = %v, want 2", got)
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	a := NewPrometheusMetrics()
	b := NewPrometheusMetrics()

	a.WorkerStarted()
	a.WorkerStarted()
	a.WorkerFinished()

	if got := testutil.ToFloat64(a.activeWorkers); got != 1 {
		t.Errorf("a active workers = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.activeWorkers); got != 0 {
		t.Errorf("b active workers = %v, want 0", got)
	}

	families, err := a.GetRegistry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	if len(families) == 0 {
		t.Error("expected gathered metric families")
	}
}
