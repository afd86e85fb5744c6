package fitting

import (
	"fmt"
	"strings"
)

// NoiseFloorRatio sets the absolute convergence floor: a fit whose SSE is at
// most this fraction of the reference SSE cannot improve in float64.
const NoiseFloorRatio = 1e-24

// Step records one accepted iteration.
type Step struct {
	Iteration int
	SSE       float64
	PrevSSE   float64
	StepNorm  float64
	ParamNorm float64
}

// ConvergenceStrategy decides whether a single accepted step looks converged.
type ConvergenceStrategy interface {
	Satisfied(step Step) bool
	Name() string
}

// ConvergenceConfig holds configuration for convergence detection
type ConvergenceConfig struct {
	// ErrorTolerance is the relative SSE decrease below which a step counts
	// as stalled.
	ErrorTolerance float64
	// StepTolerance is the relative parameter step below which a step counts
	// as stalled.
	StepTolerance float64
	// Run is the number of consecutive stalled steps required.
	Run int
}

// DefaultConvergenceConfig returns a default convergence configuration
func DefaultConvergenceConfig() *ConvergenceConfig {
	return &ConvergenceConfig{
		ErrorTolerance: 1e-8,
		StepTolerance:  1e-8,
		Run:            2,
	}
}

// ErrorDecreaseStrategy is satisfied when the relative SSE decrease is small.
type ErrorDecreaseStrategy struct {
	Tolerance float64
}

func (s *ErrorDecreaseStrategy) Name() string {
	return "error_decrease"
}

func (s *ErrorDecreaseStrategy) Satisfied(step Step) bool {
	if step.PrevSSE <= 0 {
		return true
	}
	return (step.PrevSSE-step.SSE)/step.PrevSSE <= s.Tolerance
}

// StepSizeStrategy is satisfied when |δ| <= tol·(|θ| + tol).
type StepSizeStrategy struct {
	Tolerance float64
}

func (s *StepSizeStrategy) Name() string {
	return "step_size"
}

func (s *StepSizeStrategy) Satisfied(step Step) bool {
	return step.StepNorm <= s.Tolerance*(step.ParamNorm+s.Tolerance)
}

// CombinedStrategy reports convergence once the last Run accepted steps each
// satisfied at least one of its strategies.
type CombinedStrategy struct {
	strategies []ConvergenceStrategy
	run        int
}

// NewCombinedStrategy creates the error-decrease plus step-size combination.
func NewCombinedStrategy(config *ConvergenceConfig) *CombinedStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	run := config.Run
	if run < 1 {
		run = 1
	}
	return &CombinedStrategy{
		strategies: []ConvergenceStrategy{
			&ErrorDecreaseStrategy{Tolerance: config.ErrorTolerance},
			&StepSizeStrategy{Tolerance: config.StepTolerance},
		},
		run: run,
	}
}

func (s *CombinedStrategy) Name() string {
	return "combined"
}

// Satisfied reports whether any member strategy accepts step.
func (s *CombinedStrategy) Satisfied(step Step) bool {
	return len(s.satisfiedBy(step)) > 0
}

// CheckConvergence checks the tail of history.
func (s *CombinedStrategy) CheckConvergence(history []Step) (bool, string) {
	if len(history) < s.run {
		return false, ""
	}
	seen := make(map[string]bool)
	var names []string
	for _, step := range history[len(history)-s.run:] {
		matched := s.satisfiedBy(step)
		if len(matched) == 0 {
			return false, ""
		}
		for _, n := range matched {
			if !seen[n] {
				seen[n] = true
				names = append(names, n)
			}
		}
	}
	return true, fmt.Sprintf("%s satisfied for %d consecutive iterations", strings.Join(names, "+"), s.run)
}

func (s *CombinedStrategy) satisfiedBy(step Step) []string {
	var out []string
	for _, strategy := range s.strategies {
		if strategy.Satisfied(step) {
			out = append(out, strategy.Name())
		}
	}
	return out
}

// AtNoiseFloor reports whether sse is indistinguishable from zero relative to
// the reference error.
func AtNoiseFloor(sse, reference float64) bool {
	return sse <= NoiseFloorRatio*reference
}
