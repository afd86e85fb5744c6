package fitd

import (
	"math"
	"testing"
	"time"

	"github.com/welltest-lab/fitting-core/internal/fitting"
	"github.com/welltest-lab/fitting-core/internal/reservoir"
	"github.com/welltest-lab/fitting-core/pkg/logger"
	"github.com/welltest-lab/fitting-core/pkg/models"
	"github.com/welltest-lab/fitting-core/pkg/utils"
)

const slowSemilog = "slow_semilog"

// testRegistry holds the reference models plus a semilog model slow enough
// that a fit is still running when a test inspects or stops it.
func testRegistry(t *testing.T) *reservoir.Registry {
	t.Helper()
	reg := reservoir.NewDefaultRegistry()
	err := reg.Register(reservoir.Model{
		ID:          slowSemilog,
		Description: "semilog with a 2ms evaluation cost",
		Defaults: models.ParameterSet{
			{Name: "m", Value: 1, Free: true},
			{Name: "b", Value: 0, Free: true},
		},
		Function: models.ModelFunc(func(p map[string]float64, t float64) (float64, float64) {
			time.Sleep(2 * time.Millisecond)
			return p["m"]*math.Log(t) + p["b"], p["m"]
		}),
	})
	if err != nil {
		t.Fatalf("register slow model: %v", err)
	}
	return reg
}

// semilogRequest is a noiseless p = m·ln(t) + b dataset fitted from m=1, b=0.
func semilogRequest(model string, m, b float64) *models.FitRequest {
	tm := utils.LogSpace(-1, 2, 30)
	data := models.Series{Time: tm, Pressure: make([]float64, len(tm))}
	for i, t := range tm {
		data.Pressure[i] = m*math.Log(t) + b
	}
	return &models.FitRequest{
		AnalysisName: "semilog",
		Model:        model,
		Parameters: models.ParameterSet{
			{Name: "m", Value: 1, Free: true},
			{Name: "b", Value: 0, Free: true},
		},
		Data: data,
	}
}

func newTestExecutor(t *testing.T, opts ...ExecutorOption) (*RunStore, *RunExecutor) {
	t.Helper()
	store := NewRunStore()
	fitOpts := fitting.DefaultOptions()
	fitOpts.MaxIterations = 200
	base := []ExecutorOption{
		WithExecutorLogger(logger.Discard()),
		WithFitOptions(fitOpts),
	}
	exec := NewRunExecutor(store, testRegistry(t), append(base, opts...)...)
	t.Cleanup(exec.Wait)
	return store, exec
}

func waitForTerminal(t *testing.T, store *RunStore, fitID string) *FitRecord {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		rec, ok := store.Get(fitID)
		if !ok {
			t.Fatalf("fit %s disappeared", fitID)
		}
		if rec.Run.Status.Terminal() {
			return rec
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("fit %s did not reach a terminal status", fitID)
	return nil
}
