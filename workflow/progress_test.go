package workflow

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestProgressTracker_MonotonicPercent(t *testing.T) {
	t.Parallel()

	tr := NewProgressTracker()
	tr.TrackExecution("t1", Progress{Status: AsyncStarted})

	tr.update("t1", 30, "started", AsyncInProgress)
	tr.update("t1", 10, "should not regress", AsyncInProgress)

	p, ok := tr.GetProgress("t1")
	if !ok {
		t.Fatal("expected progress to exist")
	}
	if p.PercentComplete != 30 {
		t.Fatalf("expected percent to stay at 30 (monotonic), got %d", p.PercentComplete)
	}
	if p.Message != "should not regress" {
		t.Fatalf("expected message to update even when percent doesn't, got %q", p.Message)
	}
}

func TestProgressTracker_TerminalStatusForcesPercent(t *testing.T) {
	t.Parallel()

	tr := NewProgressTracker()
	tr.TrackExecution("t1", Progress{Status: AsyncStarted})
	tr.update("t1", 50, "halfway", AsyncInProgress)
	tr.update("t1", 20, "failed early", AsyncFailed)

	p, _ := tr.GetProgress("t1")
	if p.PercentComplete != 20 {
		t.Fatalf("expected a terminal status to set percent even if lower, got %d", p.PercentComplete)
	}
	if p.Status != AsyncFailed {
		t.Fatalf("expected status AsyncFailed, got %v", p.Status)
	}
}

func TestProgressReporter_ClampsPercent(t *testing.T) {
	t.Parallel()

	tr := NewProgressTracker()
	r := tr.CreateReporter("t1")
	r.Report(-5, "below zero")
	p, _ := tr.GetProgress("t1")
	if p.PercentComplete != 0 {
		t.Fatalf("expected negative percent clamped to 0, got %d", p.PercentComplete)
	}

	r.Report(150, "above 100")
	p, _ = tr.GetProgress("t1")
	if p.PercentComplete != 100 {
		t.Fatalf("expected percent clamped to 100, got %d", p.PercentComplete)
	}
}

func TestProgressReporter_CompleteAndFail(t *testing.T) {
	t.Parallel()

	tr := NewProgressTracker()
	r := tr.CreateReporter("t1")
	r.Complete("done")
	p, _ := tr.GetProgress("t1")
	if p.Status != AsyncCompleted || p.PercentComplete != 100 {
		t.Fatalf("expected completed at 100%%, got %+v", p)
	}

	r2 := tr.CreateReporter("t2")
	r2.Fail("oops")
	p2, _ := tr.GetProgress("t2")
	if p2.Status != AsyncFailed || p2.PercentComplete != 100 {
		t.Fatalf("expected failed at 100%%, got %+v", p2)
	}
	if r2.TaskID() != "t2" {
		t.Fatalf("expected TaskID t2, got %s", r2.TaskID())
	}
}

func TestProgressTracker_GetProgressMissing(t *testing.T) {
	t.Parallel()

	tr := NewProgressTracker()
	if _, ok := tr.GetProgress("ghost"); ok {
		t.Fatal("expected ok=false for an untracked task")
	}
}

func TestProgressTracker_BoundMetricsCountReports(t *testing.T) {
	t.Parallel()

	m := NewMetrics(prometheus.NewRegistry())
	tr := NewProgressTracker()
	tr.bindMetrics(m)

	r := tr.CreateReporter("t1")
	r.Report(10, "started")
	r.Report(50, "halfway")
	r.Complete("done")

	if got := testutil.ToFloat64(m.progressReports.WithLabelValues("t1")); got != 3 {
		t.Fatalf("expected 3 progress reports recorded, got %v", got)
	}
}
