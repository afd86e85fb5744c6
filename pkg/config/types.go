package config

import "time"

// Config represents the fit service configuration
type Config struct {
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"`
	HTTPAddr  string         `yaml:"http_addr"`
	GRPCAddr  string         `yaml:"grpc_addr"`
	Fit       FitDefaults    `yaml:"fit"`
	Notifier  NotifierConfig `yaml:"notifier"`
	Archive   ArchiveConfig  `yaml:"archive"`
	Export    ExportConfig   `yaml:"export"`
	Policies  PoliciesConfig `yaml:"policies"`
}

// FitDefaults holds optimizer settings applied to every fit unless the
// request overrides them.
type FitDefaults struct {
	MaxIterations    int     `yaml:"max_iterations"`
	InitialLambda    float64 `yaml:"initial_lambda"`
	LambdaUp         float64 `yaml:"lambda_up"`
	LambdaDown       float64 `yaml:"lambda_down"`
	MinLambda        float64 `yaml:"min_lambda"`
	MaxLambda        float64 `yaml:"max_lambda"`
	MaxRetries       int     `yaml:"max_retries"`
	ErrorTolerance   float64 `yaml:"error_tolerance"`
	StepTolerance    float64 `yaml:"step_tolerance"`
	ConvergenceRun   int     `yaml:"convergence_run"`
	DerivativeWeight float64 `yaml:"derivative_weight"`
	DerivativeScale  float64 `yaml:"derivative_scale"`
	SmoothingWindow  float64 `yaml:"smoothing_window"`
	DifferenceScheme string  `yaml:"difference_scheme"`
	JacobianWorkers  int     `yaml:"jacobian_workers"`
	RelativeStep     float64 `yaml:"relative_step"`
	AbsoluteStep     float64 `yaml:"absolute_step"`
	UpdateBuffer     int     `yaml:"update_buffer"`
}

// NotifierConfig controls webhook delivery of terminal fit states.
type NotifierConfig struct {
	MaxRetries int    `yaml:"max_retries"`
	Backoff    string `yaml:"backoff"` // exponential or constant
	BaseDelay  string `yaml:"base_delay"`
	Jitter     bool   `yaml:"jitter"`
	Timeout    string `yaml:"timeout"`
}

// ArchiveConfig selects where completed fits are archived. An empty DSN keeps
// the archive in memory.
type ArchiveConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	Table       string `yaml:"table"`
}

// ExportConfig sets the default payload codec for exported analyses.
type ExportConfig struct {
	Codec string `yaml:"codec"`
}

// PoliciesConfig configures admission and delivery policies.
type PoliciesConfig struct {
	RateLimit       RateLimitConfig      `yaml:"rate_limit"`
	CallbackBreaker CircuitBreakerConfig `yaml:"callback_breaker"`
}

// RateLimitConfig limits fit creation per client address.
type RateLimitConfig struct {
	Enabled          bool `yaml:"enabled"`
	CreatesPerSecond int  `yaml:"creates_per_second"`
	Burst            int  `yaml:"burst"`
}

// CircuitBreakerConfig stops webhook delivery to a failing callback host.
type CircuitBreakerConfig struct {
	Enabled          bool   `yaml:"enabled"`
	FailureThreshold int    `yaml:"failure_threshold"`
	SuccessThreshold int    `yaml:"success_threshold"`
	Cooldown         string `yaml:"cooldown"`
}

// DefaultConfig returns the configuration used when no file is given. Parsed
// files are layered on top of it.
func DefaultConfig() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "json",
		HTTPAddr:  ":8080",
		GRPCAddr:  ":50051",
		Fit: FitDefaults{
			MaxIterations:    100,
			InitialLambda:    0.01,
			LambdaUp:         10,
			LambdaDown:       10,
			MinLambda:        1e-12,
			MaxLambda:        1e12,
			MaxRetries:       10,
			ErrorTolerance:   1e-8,
			StepTolerance:    1e-8,
			ConvergenceRun:   2,
			DerivativeWeight: 0.5,
			DerivativeScale:  1,
			SmoothingWindow:  0.15,
			DifferenceScheme: "forward",
			JacobianWorkers:  1,
			RelativeStep:     1e-6,
			AbsoluteStep:     1e-8,
			UpdateBuffer:     64,
		},
		Notifier: NotifierConfig{
			MaxRetries: 3,
			Backoff:    "exponential",
			BaseDelay:  "500ms",
			Timeout:    "10s",
		},
		Archive: ArchiveConfig{
			Table: "fit_analyses",
		},
		Export: ExportConfig{
			Codec: "none",
		},
		Policies: PoliciesConfig{
			RateLimit: RateLimitConfig{
				CreatesPerSecond: 10,
				Burst:            20,
			},
			CallbackBreaker: CircuitBreakerConfig{
				Enabled:          true,
				FailureThreshold: 5,
				SuccessThreshold: 1,
				Cooldown:         "30s",
			},
		},
	}
}

// GetBaseDelay parses the notifier base delay.
func (n *NotifierConfig) GetBaseDelay() (time.Duration, error) {
	return time.ParseDuration(n.BaseDelay)
}

// GetTimeout parses the notifier HTTP timeout.
func (n *NotifierConfig) GetTimeout() (time.Duration, error) {
	return time.ParseDuration(n.Timeout)
}

// GetCooldown parses the breaker cooldown.
func (c *CircuitBreakerConfig) GetCooldown() (time.Duration, error) {
	return time.ParseDuration(c.Cooldown)
}
