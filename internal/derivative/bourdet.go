// Package derivative computes the Bourdet pressure derivative dp/d(ln t) of
// unevenly spaced well-test data.
package derivative

import (
	"math"

	"github.com/welltest-lab/fitting-core/pkg/models"
)

// DefaultSmoothing is the window L, in natural-log time units, used when the
// caller does not choose one.
const DefaultSmoothing = 0.15

// minSpan is the smallest log-time span a one-sided slope may use.
const minSpan = 1e-12

// Bourdet returns the log-time derivative of pressure using the smoothed
// Bourdet scheme with window L.
//
// For each sample the left and right neighbours are the closest samples whose
// log-time distance is at least L. If no sample on a side is that far the
// farthest sample on that side is used. Interior slopes are combined with
// distance weighting; the first and last samples use their single one-sided
// slope. Samples with no usable side get 0.
//
// Fewer than 3 samples, mismatched lengths or non-positive times yield an
// all-zero series of len(time).
func Bourdet(time, pressure []float64, L float64) []float64 {
	n := len(time)
	out := make([]float64, n)
	if n < models.MinSamples || len(pressure) != n {
		return out
	}
	if math.IsNaN(L) || L < 0 {
		L = 0
	}

	lt := make([]float64, n)
	for i, t := range time {
		if !(t > 0) || math.IsInf(t, 0) {
			return make([]float64, n)
		}
		lt[i] = math.Log(t)
	}

	for i := 0; i < n; i++ {
		var (
			dl, dr, sl, sr float64
			okL, okR       bool
		)
		if j := leftNeighbor(lt, i, L); j >= 0 {
			sl = lt[i] - lt[j]
			if sl > minSpan {
				dl = (pressure[i] - pressure[j]) / sl
				okL = true
			}
		}
		if j := rightNeighbor(lt, i, L); j >= 0 {
			sr = lt[j] - lt[i]
			if sr > minSpan {
				dr = (pressure[j] - pressure[i]) / sr
				okR = true
			}
		}

		switch {
		case okL && okR:
			out[i] = (dl*sr + dr*sl) / (sl + sr)
		case okL:
			out[i] = dl
		case okR:
			out[i] = dr
		}
		if math.IsNaN(out[i]) || math.IsInf(out[i], 0) {
			out[i] = 0
		}
	}
	return out
}

func leftNeighbor(lt []float64, i int, L float64) int {
	if i == 0 {
		return -1
	}
	for j := i - 1; j >= 0; j-- {
		if lt[i]-lt[j] >= L {
			return j
		}
	}
	return 0
}

func rightNeighbor(lt []float64, i int, L float64) int {
	last := len(lt) - 1
	if i == last {
		return -1
	}
	for j := i + 1; j <= last; j++ {
		if lt[j]-lt[i] >= L {
			return j
		}
	}
	return last
}

// Estimator applies Bourdet with a fixed window. The zero value uses
// DefaultSmoothing.
type Estimator struct {
	Window float64
}

// New returns an Estimator with window L. Non-positive windows select
// DefaultSmoothing.
func New(L float64) *Estimator {
	if !(L > 0) {
		L = DefaultSmoothing
	}
	return &Estimator{Window: L}
}

// Estimate computes the derivative of (time, pressure).
func (e *Estimator) Estimate(time, pressure []float64) []float64 {
	L := e.Window
	if !(L > 0) {
		L = DefaultSmoothing
	}
	return Bourdet(time, pressure, L)
}

// Fill sets s.Derivative from the pressure channel when it is absent and
// reports whether it did.
func (e *Estimator) Fill(s *models.Series) bool {
	if s.HasDerivative() {
		return false
	}
	s.Derivative = e.Estimate(s.Time, s.Pressure)
	return true
}
