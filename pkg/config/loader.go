package config

import (
	"fmt"
	"os"

	"github.com/welltest-lab/fitting-core/pkg/models"
)

// LoadConfig loads and parses a configuration file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cfg, err := ParseConfigYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadFitRequest loads and parses a fit request file. The data block may be
// left empty when samples come from a separate data file.
func LoadFitRequest(path string) (*models.FitRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fit request %s: %w", path, err)
	}
	req, err := ParseFitRequest(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse fit request %s: %w", path, err)
	}
	return req, nil
}

// validateConfig performs validation on the configuration
func validateConfig(cfg *Config) error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[cfg.LogLevel] {
		return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", cfg.LogLevel)
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("invalid log_format: %s (must be json or text)", cfg.LogFormat)
	}
	if cfg.HTTPAddr == "" && cfg.GRPCAddr == "" {
		return fmt.Errorf("at least one of http_addr or grpc_addr must be set")
	}

	if err := validateFitDefaults(&cfg.Fit); err != nil {
		return fmt.Errorf("fit validation failed: %w", err)
	}

	if cfg.Notifier.MaxRetries < 0 {
		return fmt.Errorf("notifier: max_retries cannot be negative")
	}
	switch cfg.Notifier.Backoff {
	case "", "exponential", "constant":
	default:
		return fmt.Errorf("notifier: backoff must be exponential or constant, got %s", cfg.Notifier.Backoff)
	}
	if _, err := cfg.Notifier.GetBaseDelay(); err != nil {
		return fmt.Errorf("notifier: invalid base_delay: %w", err)
	}
	if _, err := cfg.Notifier.GetTimeout(); err != nil {
		return fmt.Errorf("notifier: invalid timeout: %w", err)
	}

	if cfg.Archive.PostgresDSN != "" && cfg.Archive.Table == "" {
		return fmt.Errorf("archive: table is required when postgres_dsn is set")
	}

	if rl := cfg.Policies.RateLimit; rl.Enabled && rl.CreatesPerSecond <= 0 {
		return fmt.Errorf("policies: rate_limit.creates_per_second must be positive when enabled")
	}
	if cb := cfg.Policies.CallbackBreaker; cb.Enabled {
		if cb.FailureThreshold <= 0 || cb.SuccessThreshold <= 0 {
			return fmt.Errorf("policies: callback_breaker thresholds must be positive")
		}
		if _, err := cb.GetCooldown(); err != nil {
			return fmt.Errorf("policies: invalid callback_breaker cooldown: %w", err)
		}
	}

	switch cfg.Export.Codec {
	case "none", "zstd", "lz4":
	default:
		return fmt.Errorf("export: codec must be none, zstd or lz4, got %s", cfg.Export.Codec)
	}

	return nil
}

// validateFitDefaults validates optimizer settings
func validateFitDefaults(f *FitDefaults) error {
	if f.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive")
	}
	if f.InitialLambda <= 0 {
		return fmt.Errorf("initial_lambda must be positive")
	}
	if f.LambdaUp <= 1 || f.LambdaDown <= 1 {
		return fmt.Errorf("lambda_up and lambda_down must be greater than 1")
	}
	if f.MinLambda <= 0 || f.MaxLambda < f.MinLambda {
		return fmt.Errorf("min_lambda must be positive and not exceed max_lambda")
	}
	if f.InitialLambda < f.MinLambda || f.InitialLambda > f.MaxLambda {
		return fmt.Errorf("initial_lambda must lie in [min_lambda, max_lambda]")
	}
	if f.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive")
	}
	if f.ErrorTolerance < 0 || f.StepTolerance < 0 {
		return fmt.Errorf("tolerances cannot be negative")
	}
	if f.ConvergenceRun <= 0 {
		return fmt.Errorf("convergence_run must be positive")
	}
	if f.DerivativeWeight < 0 || f.DerivativeWeight > 1 {
		return fmt.Errorf("derivative_weight must be between 0 and 1, got %f", f.DerivativeWeight)
	}
	if f.DerivativeScale <= 0 {
		return fmt.Errorf("derivative_scale must be positive")
	}
	if f.SmoothingWindow < 0 {
		return fmt.Errorf("smoothing_window cannot be negative")
	}
	if f.DifferenceScheme != "forward" && f.DifferenceScheme != "central" {
		return fmt.Errorf("difference_scheme must be 'forward' or 'central', got %s", f.DifferenceScheme)
	}
	if f.JacobianWorkers <= 0 {
		return fmt.Errorf("jacobian_workers must be positive")
	}
	if f.RelativeStep <= 0 || f.AbsoluteStep <= 0 {
		return fmt.Errorf("relative_step and absolute_step must be positive")
	}
	if f.UpdateBuffer < 0 {
		return fmt.Errorf("update_buffer cannot be negative")
	}
	return nil
}

// validateFitRequest checks a request file. Unlike models.FitRequest.Validate
// it tolerates an empty data block.
func validateFitRequest(req *models.FitRequest) error {
	if len(req.Data.Time) == 0 && len(req.Data.Pressure) == 0 {
		probe := *req
		probe.Data = models.Series{Time: []float64{1, 2, 3}, Pressure: []float64{0, 0, 0}}
		return probe.Validate()
	}
	return req.Validate()
}
