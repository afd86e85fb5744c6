package metrics

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/welltest-lab/fitting-core/pkg/models"
)

func TestCollectorRecordAndPoints(t *testing.T) {
	c := NewCollector(0)
	now := time.Now()
	c.Record("test_metric", 10.0, now, nil)
	c.Record("test_metric", 20.0, now.Add(time.Second), nil)
	c.Record("test_metric", 30.0, now.Add(2*time.Second), nil)

	points := c.Points("test_metric", nil)
	if len(points) != 3 {
		t.Fatalf("expected 3 points, got %d", len(points))
	}
	for i, want := range []float64{10, 20, 30} {
		if points[i].Value != want {
			t.Fatalf("point %d: expected %v, got %v", i, want, points[i].Value)
		}
	}
	if c.Points("missing", nil) != nil {
		t.Fatalf("expected nil for unknown metric")
	}
}

func TestCollectorLabelsSeparateSeries(t *testing.T) {
	c := NewCollector(0)
	a := map[string]string{"model": "radial_semilog", "outcome": "converged"}
	b := map[string]string{"outcome": "converged", "model": "power_law"}
	c.RecordNow("fit_iterations", 4, a)
	c.RecordNow("fit_iterations", 9, b)
	c.RecordNow("fit_iterations", 6, map[string]string{"outcome": "converged", "model": "radial_semilog"})

	if got := c.Total("fit_iterations", a); got != 2 {
		t.Fatalf("expected label order not to matter, got %d points", got)
	}
	if got := c.Total("fit_iterations", b); got != 1 {
		t.Fatalf("expected 1 point, got %d", got)
	}
}

func TestCollectorAggregation(t *testing.T) {
	c := NewCollector(0)
	for _, v := range []float64{50, 10, 40, 20, 30} {
		c.RecordNow("test_metric", v, nil)
	}

	agg := c.Aggregation("test_metric", nil)
	if agg == nil {
		t.Fatalf("expected non-nil aggregation")
	}
	if agg.Count != 5 || agg.Sum != 150 || agg.Min != 10 || agg.Max != 50 || agg.Mean != 30 {
		t.Fatalf("unexpected aggregation %+v", agg)
	}
	if agg.P50 != 30 {
		t.Fatalf("expected p50 30, got %v", agg.P50)
	}
	if math.Abs(agg.P95-48) > 1e-9 {
		t.Fatalf("expected p95 48, got %v", agg.P95)
	}
	if math.Abs(agg.StdDev-math.Sqrt(250)) > 1e-9 {
		t.Fatalf("expected sample stddev sqrt(250), got %v", agg.StdDev)
	}
	if c.Aggregation("missing", nil) != nil {
		t.Fatalf("expected nil aggregation for unknown metric")
	}
}

func TestCollectorSingleValueAggregation(t *testing.T) {
	c := NewCollector(0)
	c.RecordNow("one", 7, nil)
	agg := c.Aggregation("one", nil)
	if agg.StdDev != 0 || agg.P99 != 7 || agg.P50 != 7 {
		t.Fatalf("unexpected single-value aggregation %+v", agg)
	}
}

func TestCollectorEvictsOldest(t *testing.T) {
	c := NewCollector(3)
	for i := 1; i <= 5; i++ {
		c.RecordNow("m", float64(i), nil)
	}
	points := c.Points("m", nil)
	if len(points) != 3 || points[0].Value != 3 || points[2].Value != 5 {
		t.Fatalf("expected the newest three points, got %+v", points)
	}
	if c.Total("m", nil) != 5 {
		t.Fatalf("expected total to include evicted points, got %d", c.Total("m", nil))
	}
}

func TestCollectorSummaryOrdering(t *testing.T) {
	c := NewCollector(0)
	c.RecordNow("b_metric", 1, map[string]string{"model": "z"})
	c.RecordNow("b_metric", 1, map[string]string{"model": "a"})
	c.RecordNow("a_metric", 1, nil)

	s := c.Summary()
	if len(s.Series) != 3 {
		t.Fatalf("expected 3 series, got %d", len(s.Series))
	}
	if s.Series[0].Name != "a_metric" || s.Series[1].Labels["model"] != "a" || s.Series[2].Labels["model"] != "z" {
		t.Fatalf("unexpected ordering %+v", s.Series)
	}
	if names := c.Names(); len(names) != 2 || names[0] != "a_metric" {
		t.Fatalf("unexpected names %v", names)
	}

	c.Clear()
	if len(c.Summary().Series) != 0 {
		t.Fatalf("expected empty summary after Clear")
	}
}

func TestCollectorConcurrentRecord(t *testing.T) {
	c := NewCollector(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordNow("m", float64(j), nil)
			}
		}()
	}
	wg.Wait()
	if c.Total("m", nil) != 800 {
		t.Fatalf("expected 800 points, got %d", c.Total("m", nil))
	}
}

func TestRecordFit(t *testing.T) {
	c := NewCollector(0)
	state := &models.FitState{Status: models.FitStatusConverged, Iteration: 7, Evaluations: 40, SSE: 1e-9}
	RecordFit(c, "radial_semilog", state, 250*time.Millisecond)
	RecordFit(nil, "radial_semilog", state, time.Second)
	RecordFailure(c, "power_law")

	labels := FitLabels("radial_semilog", models.FitStatusConverged)
	if agg := c.Aggregation(MetricFitIterations, labels); agg == nil || agg.Max != 7 {
		t.Fatalf("expected iterations recorded, got %+v", agg)
	}
	if agg := c.Aggregation(MetricFitDurationMs, labels); agg == nil || agg.Max != 250 {
		t.Fatalf("expected duration in ms, got %+v", agg)
	}
	if c.Total(MetricFitFailures, map[string]string{"model": "power_law"}) != 1 {
		t.Fatalf("expected one failure")
	}
}
