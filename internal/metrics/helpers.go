package metrics

import (
	"time"

	"github.com/welltest-lab/fitting-core/pkg/models"
)

// Fit metric names
const (
	MetricFitDurationMs    = "fit_duration_ms"
	MetricFitIterations    = "fit_iterations"
	MetricFitEvaluations   = "fit_model_evaluations"
	MetricFitSSE           = "fit_sse"
	MetricFitDroppedUpdate = "fit_dropped_updates"
	MetricFitFailures      = "fit_failures"
)

// FitLabels labels a fit series by model and optimizer outcome.
func FitLabels(model string, outcome models.FitStatus) map[string]string {
	return map[string]string{
		"model":   model,
		"outcome": string(outcome),
	}
}

// RecordFit records the measurements of one finished optimizer run.
func RecordFit(c *Collector, model string, state *models.FitState, elapsed time.Duration) {
	if c == nil || state == nil {
		return
	}
	now := time.Now()
	labels := FitLabels(model, state.Status)
	c.Record(MetricFitDurationMs, float64(elapsed)/float64(time.Millisecond), now, labels)
	c.Record(MetricFitIterations, float64(state.Iteration), now, labels)
	c.Record(MetricFitEvaluations, float64(state.Evaluations), now, labels)
	c.Record(MetricFitSSE, state.SSE, now, labels)
	c.Record(MetricFitDroppedUpdate, float64(state.DroppedUpdates), now, labels)
}

// RecordFailure counts a run that ended in an error before producing a state.
func RecordFailure(c *Collector, model string) {
	if c == nil {
		return
	}
	c.RecordNow(MetricFitFailures, 1, map[string]string{"model": model})
}
