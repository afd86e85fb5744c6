//go:build integration
// +build integration

package integration_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/welltest-lab/fitting-core/internal/archive"
	"github.com/welltest-lab/fitting-core/internal/fitting"
	"github.com/welltest-lab/fitting-core/internal/reservoir"
	"github.com/welltest-lab/fitting-core/pkg/config"
	"github.com/welltest-lab/fitting-core/pkg/logger"
)

func TestIntegration_ConfigAndRequestLoadSmoke(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "config", "fitd.yaml")
	reqPath := filepath.Join("..", "..", "config", "example_fit.yaml")

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		t.Fatalf("LoadConfig(%s) failed: %v", cfgPath, err)
	}
	if cfg.Fit.MaxIterations <= 0 {
		t.Fatalf("expected fit defaults in %s", cfgPath)
	}
	if _, err := archive.CodecByName(cfg.Export.Codec); err != nil {
		t.Fatalf("configured export codec: %v", err)
	}

	req, err := config.LoadFitRequest(reqPath)
	if err != nil {
		t.Fatalf("LoadFitRequest(%s) failed: %v", reqPath, err)
	}
	if req.Data.Len() == 0 {
		t.Fatalf("expected request to carry samples")
	}
}

func TestIntegration_ExampleRequestFitsSmoke(t *testing.T) {
	cfg, err := config.LoadConfig(filepath.Join("..", "..", "config", "fitd.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	req, err := config.LoadFitRequest(filepath.Join("..", "..", "config", "example_fit.yaml"))
	if err != nil {
		t.Fatalf("LoadFitRequest failed: %v", err)
	}

	model, err := reservoir.NewDefaultRegistry().Get(req.Model)
	if err != nil {
		t.Fatalf("Get(%s) failed: %v", req.Model, err)
	}
	params, err := model.Resolve(req.Parameters)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	opts := fitting.OptionsFromConfig(cfg.Fit).WithRequest(req)
	state, err := fitting.NewOptimizer(opts).
		WithLogger(logger.Discard()).
		Run(context.Background(), &req.Data, params, model.Function)
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !state.Status.Terminal() {
		t.Fatalf("expected terminal status, got %s", state.Status)
	}
	// The example drawdown follows p ≈ ln(t) + 10.
	m := state.Params.Map()["m"]
	if math.Abs(m-1) > 0.05 {
		t.Fatalf("expected slope near 1, got %v", m)
	}
}
