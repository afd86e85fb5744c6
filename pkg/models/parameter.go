package models

import (
	"fmt"
	"math"
)

// Parameter is one named model parameter. Only free parameters are varied by a
// fit; bounds are enforced by clamping.
type Parameter struct {
	Name  string   `json:"name" yaml:"name"`
	Value float64  `json:"value" yaml:"value"`
	Free  bool     `json:"free" yaml:"free"`
	Lower *float64 `json:"lower,omitempty" yaml:"lower,omitempty"`
	Upper *float64 `json:"upper,omitempty" yaml:"upper,omitempty"`
	// Weight scales this parameter's share of the damping term. Larger values
	// make the parameter stiffer. Defaults to 1.
	Weight *float64 `json:"weight,omitempty" yaml:"weight,omitempty"`
}

// Float returns a pointer to v, for optional fields.
func Float(v float64) *float64 {
	return &v
}

// LowerBound returns the lower bound, or -Inf when unbounded.
func (p Parameter) LowerBound() float64 {
	if p.Lower == nil {
		return math.Inf(-1)
	}
	return *p.Lower
}

// UpperBound returns the upper bound, or +Inf when unbounded.
func (p Parameter) UpperBound() float64 {
	if p.Upper == nil {
		return math.Inf(1)
	}
	return *p.Upper
}

// Clamp limits v to the parameter's bounds.
func (p Parameter) Clamp(v float64) float64 {
	if lo := p.LowerBound(); v < lo {
		return lo
	}
	if hi := p.UpperBound(); v > hi {
		return hi
	}
	return v
}

// DampingWeight returns the weight applied to the damping term.
func (p Parameter) DampingWeight() float64 {
	if p.Weight == nil || *p.Weight <= 0 {
		return 1
	}
	return *p.Weight
}

// ParameterSet is an ordered collection of parameters with unique names.
type ParameterSet []Parameter

// Validate checks names, values and bounds.
func (ps ParameterSet) Validate() error {
	if len(ps) == 0 {
		return fmt.Errorf("%w: no parameters", ErrInvalidParameters)
	}
	seen := make(map[string]bool, len(ps))
	for i, p := range ps {
		if p.Name == "" {
			return fmt.Errorf("%w: parameter %d has no name", ErrInvalidParameters, i)
		}
		if seen[p.Name] {
			return fmt.Errorf("%w: duplicate parameter %q", ErrInvalidParameters, p.Name)
		}
		seen[p.Name] = true
		if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
			return fmt.Errorf("%w: %s value is not finite", ErrInvalidParameters, p.Name)
		}
		if p.Lower != nil && math.IsNaN(*p.Lower) || p.Upper != nil && math.IsNaN(*p.Upper) {
			return fmt.Errorf("%w: %s has a NaN bound", ErrInvalidParameters, p.Name)
		}
		if p.LowerBound() > p.UpperBound() {
			return fmt.Errorf("%w: %s lower bound %v exceeds upper bound %v", ErrInvalidParameters, p.Name, p.LowerBound(), p.UpperBound())
		}
		if p.Weight != nil && (*p.Weight <= 0 || math.IsNaN(*p.Weight) || math.IsInf(*p.Weight, 0)) {
			return fmt.Errorf("%w: %s weight must be positive", ErrInvalidParameters, p.Name)
		}
	}
	return nil
}

// Clone returns a deep copy.
func (ps ParameterSet) Clone() ParameterSet {
	if ps == nil {
		return nil
	}
	out := make(ParameterSet, len(ps))
	for i, p := range ps {
		out[i] = p
		if p.Lower != nil {
			out[i].Lower = Float(*p.Lower)
		}
		if p.Upper != nil {
			out[i].Upper = Float(*p.Upper)
		}
		if p.Weight != nil {
			out[i].Weight = Float(*p.Weight)
		}
	}
	return out
}

// Values returns the parameter values in set order.
func (ps ParameterSet) Values() []float64 {
	out := make([]float64, len(ps))
	for i, p := range ps {
		out[i] = p.Value
	}
	return out
}

// Map returns name -> value.
func (ps ParameterSet) Map() map[string]float64 {
	out := make(map[string]float64, len(ps))
	for _, p := range ps {
		out[p.Name] = p.Value
	}
	return out
}

// FreeIndices returns the positions of the free parameters.
func (ps ParameterSet) FreeIndices() []int {
	var out []int
	for i, p := range ps {
		if p.Free {
			out = append(out, i)
		}
	}
	return out
}

// Index returns the position of name, or -1.
func (ps ParameterSet) Index(name string) int {
	for i, p := range ps {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Clamped returns a copy with every value moved inside its bounds.
func (ps ParameterSet) Clamped() ParameterSet {
	out := ps.Clone()
	for i := range out {
		out[i].Value = out[i].Clamp(out[i].Value)
	}
	return out
}

// WithValues returns a copy carrying values (aligned with set order).
func (ps ParameterSet) WithValues(values []float64) ParameterSet {
	out := ps.Clone()
	for i := range out {
		if i < len(values) {
			out[i].Value = values[i]
		}
	}
	return out
}
