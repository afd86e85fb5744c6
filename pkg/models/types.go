package models

import (
	"fmt"
	"math"
)

// FitStatus represents the state of an optimization run
type FitStatus string

const (
	FitStatusInitializing  FitStatus = "initializing"
	FitStatusIterating     FitStatus = "iterating"
	FitStatusConverged     FitStatus = "converged"
	FitStatusMaxIterations FitStatus = "max_iterations_reached"
	FitStatusCancelled     FitStatus = "cancelled"
	FitStatusDiverged      FitStatus = "diverged"
)

// Terminal reports whether no further iterations will follow.
func (s FitStatus) Terminal() bool {
	switch s {
	case FitStatusConverged, FitStatusMaxIterations, FitStatusCancelled, FitStatusDiverged:
		return true
	}
	return false
}

// ModelFunction evaluates a reservoir model at one time. Implementations must be
// pure and deterministic, and safe for concurrent use.
type ModelFunction interface {
	Evaluate(params map[string]float64, t float64) (pressure, derivative float64)
}

// ModelFunc adapts a plain function to ModelFunction.
type ModelFunc func(params map[string]float64, t float64) (float64, float64)

// Evaluate calls f.
func (f ModelFunc) Evaluate(params map[string]float64, t float64) (float64, float64) {
	return f(params, t)
}

// Series is an observed (time, pressure, derivative) dataset.
type Series struct {
	Time       []float64 `json:"time" yaml:"time"`
	Pressure   []float64 `json:"pressure" yaml:"pressure"`
	Derivative []float64 `json:"derivative,omitempty" yaml:"derivative,omitempty"`
}

// Len returns the number of samples.
func (s *Series) Len() int {
	return len(s.Time)
}

// HasDerivative reports whether the derivative channel is populated.
func (s *Series) HasDerivative() bool {
	return len(s.Derivative) > 0 && len(s.Derivative) == len(s.Time)
}

// Validate checks the cleaned-series invariants: equal channel lengths, at least
// MinSamples rows, finite values, time strictly positive and increasing.
func (s *Series) Validate() error {
	if len(s.Pressure) != len(s.Time) {
		return fmt.Errorf("%w: time has %d samples, pressure has %d", ErrInvalidSeries, len(s.Time), len(s.Pressure))
	}
	if len(s.Derivative) != 0 && len(s.Derivative) != len(s.Time) {
		return fmt.Errorf("%w: time has %d samples, derivative has %d", ErrInvalidSeries, len(s.Time), len(s.Derivative))
	}
	if len(s.Time) < MinSamples {
		return fmt.Errorf("%w: got %d", ErrInsufficientData, len(s.Time))
	}
	for i, t := range s.Time {
		if math.IsNaN(t) || math.IsInf(t, 0) || t <= 0 {
			return fmt.Errorf("%w: time[%d] = %v must be positive and finite", ErrInvalidSeries, i, t)
		}
		if i > 0 && t <= s.Time[i-1] {
			return fmt.Errorf("%w: time[%d] = %v is not after time[%d] = %v", ErrInvalidSeries, i, t, i-1, s.Time[i-1])
		}
		if p := s.Pressure[i]; math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("%w: pressure[%d] is not finite", ErrInvalidSeries, i)
		}
		if s.HasDerivative() {
			if d := s.Derivative[i]; math.IsNaN(d) || math.IsInf(d, 0) {
				return fmt.Errorf("%w: derivative[%d] is not finite", ErrInvalidSeries, i)
			}
		}
	}
	return nil
}

// Clone returns a deep copy.
func (s *Series) Clone() *Series {
	if s == nil {
		return nil
	}
	return &Series{
		Time:       append([]float64(nil), s.Time...),
		Pressure:   append([]float64(nil), s.Pressure...),
		Derivative: append([]float64(nil), s.Derivative...),
	}
}

// Curve is a model-predicted pressure/derivative curve on the observed times.
type Curve struct {
	Time       []float64 `json:"time"`
	Pressure   []float64 `json:"pressure"`
	Derivative []float64 `json:"derivative"`
}

// IterationUpdate is emitted after every accepted iteration.
type IterationUpdate struct {
	Iteration int                `json:"iteration"`
	Error     float64            `json:"error"`
	Lambda    float64            `json:"lambda"`
	Params    map[string]float64 `json:"params"`
	Curve     *Curve             `json:"curve,omitempty"`
}

// FitState is the mutable iteration record of one optimization run, and its
// final result once Status is terminal.
type FitState struct {
	Params         ParameterSet `json:"params"`
	SSE            float64      `json:"sse"`
	Lambda         float64      `json:"lambda"`
	Iteration      int          `json:"iteration"`
	Status         FitStatus    `json:"status"`
	Reason         string       `json:"reason,omitempty"`
	Evaluations    int          `json:"model_evaluations"`
	Penalized      int          `json:"penalized_evaluations"`
	DroppedUpdates int          `json:"dropped_updates"`
}

// Converged reports whether the run ended at a tolerance-satisfying minimum.
func (s *FitState) Converged() bool {
	return s.Status == FitStatusConverged
}

// Clone returns a deep copy.
func (s *FitState) Clone() *FitState {
	if s == nil {
		return nil
	}
	out := *s
	out.Params = s.Params.Clone()
	return &out
}

// FitRequest is everything a caller supplies for one fit.
type FitRequest struct {
	AnalysisName     string       `json:"analysis_name,omitempty" yaml:"analysis_name,omitempty"`
	Model            string       `json:"model" yaml:"model"`
	Parameters       ParameterSet `json:"parameters" yaml:"parameters"`
	DerivativeWeight *float64     `json:"derivative_weight,omitempty" yaml:"derivative_weight,omitempty"`
	SmoothingWindow  *float64     `json:"smoothing_window,omitempty" yaml:"smoothing_window,omitempty"`
	MaxIterations    int          `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	DifferenceScheme string       `json:"difference_scheme,omitempty" yaml:"difference_scheme,omitempty"`
	Data             Series       `json:"data" yaml:"data"`
	CallbackURL      string       `json:"callback_url,omitempty" yaml:"callback_url,omitempty"`
	CallbackSecret   string       `json:"callback_secret,omitempty" yaml:"callback_secret,omitempty"`
}

// Validate checks the request shape. The derivative channel may be absent.
func (r *FitRequest) Validate() error {
	if r.Model == "" {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if err := r.Parameters.Validate(); err != nil {
		return err
	}
	if r.DerivativeWeight != nil {
		if w := *r.DerivativeWeight; math.IsNaN(w) || w < 0 || w > 1 {
			return fmt.Errorf("%w: derivative_weight must be in [0,1], got %v", ErrInvalidRequest, w)
		}
	}
	if r.SmoothingWindow != nil && (*r.SmoothingWindow < 0 || math.IsNaN(*r.SmoothingWindow)) {
		return fmt.Errorf("%w: smoothing_window cannot be negative", ErrInvalidRequest)
	}
	if r.MaxIterations < 0 {
		return fmt.Errorf("%w: max_iterations cannot be negative", ErrInvalidRequest)
	}
	switch r.DifferenceScheme {
	case "", "forward", "central":
	default:
		return fmt.Errorf("%w: difference_scheme must be forward or central, got %q", ErrInvalidRequest, r.DifferenceScheme)
	}
	return r.Data.Validate()
}
