// Package fitting implements the Levenberg-Marquardt parameter fit of a
// reservoir model against observed pressure and pressure-derivative data.
package fitting

import (
	"math"
	"sync/atomic"

	"github.com/welltest-lab/fitting-core/pkg/models"
	"github.com/welltest-lab/fitting-core/pkg/utils"
)

const (
	// DefaultDerivativeScale multiplies derivative residuals on top of the
	// derivative weight. The Bourdet derivative is already in pressure units,
	// so the channels are compared one to one.
	DefaultDerivativeScale = 1.0

	// PenaltyResidual replaces the residual of a non-finite model output.
	PenaltyResidual = 1e6
)

// ResidualEvaluator builds the residual vector [r_p; r_d] of length 2N where
// r_p[i] = pObs[i] - pModel(t_i) and r_d[i] = w*s*(dObs[i] - dModel(t_i)).
// It is safe for concurrent use.
type ResidualEvaluator struct {
	series *models.Series
	model  models.ModelFunction
	weight float64
	scale  float64

	evaluations atomic.Int64
	penalized   atomic.Int64
}

// NewResidualEvaluator binds a series to a model. The weight is clamped to
// [0,1]; a non-positive scale selects DefaultDerivativeScale. A missing
// derivative channel is compared against zero.
func NewResidualEvaluator(series *models.Series, model models.ModelFunction, weight, scale float64) *ResidualEvaluator {
	if math.IsNaN(weight) {
		weight = 0
	}
	if !(scale > 0) || math.IsInf(scale, 0) {
		scale = DefaultDerivativeScale
	}
	return &ResidualEvaluator{
		series: series,
		model:  model,
		weight: utils.ClampFloat64(weight, 0, 1),
		scale:  scale,
	}
}

// Len returns the residual vector length, 2N.
func (e *ResidualEvaluator) Len() int {
	return 2 * e.series.Len()
}

// Weight returns the effective derivative weight.
func (e *ResidualEvaluator) Weight() float64 {
	return e.weight
}

// Residuals evaluates the model at every observed time.
func (e *ResidualEvaluator) Residuals(params map[string]float64) []float64 {
	out := make([]float64, e.Len())
	e.ResidualsInto(out, params)
	return out
}

// ResidualsInto writes residuals into dst, which must have length Len, and
// returns how many samples produced non-finite model output.
func (e *ResidualEvaluator) ResidualsInto(dst []float64, params map[string]float64) int {
	n := e.series.Len()
	dw := e.weight * e.scale
	bad := 0
	for i := 0; i < n; i++ {
		pm, dm := e.evaluate(params, e.series.Time[i])
		if utils.IsFinite(pm) {
			dst[i] = e.series.Pressure[i] - pm
		} else {
			dst[i] = PenaltyResidual
		}
		if utils.IsFinite(dm) {
			dst[n+i] = dw * (e.observedDerivative(i) - dm)
		} else {
			dst[n+i] = dw * PenaltyResidual
		}
		if !utils.IsFinite(pm) || !utils.IsFinite(dm) {
			bad++
		}
		if !utils.IsFinite(dst[i]) {
			dst[i] = PenaltyResidual
		}
		if !utils.IsFinite(dst[n+i]) {
			dst[n+i] = dw * PenaltyResidual
		}
	}
	e.evaluations.Add(int64(n))
	if bad > 0 {
		e.penalized.Add(int64(bad))
	}
	return bad
}

// SSE returns the sum of squared residuals at params.
func (e *ResidualEvaluator) SSE(params map[string]float64) float64 {
	return utils.SumSquares(e.Residuals(params))
}

// ReferenceSSE is the SSE of a model that predicts zero everywhere. It sets
// the scale of the absolute convergence floor.
func (e *ResidualEvaluator) ReferenceSSE() float64 {
	dw := e.weight * e.scale
	sum := 0.0
	for i := range e.series.Time {
		p := e.series.Pressure[i]
		d := dw * e.observedDerivative(i)
		sum += p*p + d*d
	}
	return sum
}

// Curve evaluates the model on the observed times without counting the
// evaluations. Non-finite outputs are reported as NaN.
func (e *ResidualEvaluator) Curve(params map[string]float64) *models.Curve {
	n := e.series.Len()
	c := &models.Curve{
		Time:       append([]float64(nil), e.series.Time...),
		Pressure:   make([]float64, n),
		Derivative: make([]float64, n),
	}
	for i, t := range e.series.Time {
		pm, dm := e.evaluate(params, t)
		c.Pressure[i], c.Derivative[i] = pm, dm
	}
	return c
}

// Counts returns total model evaluations and how many were penalised.
func (e *ResidualEvaluator) Counts() (evaluations, penalized int) {
	return int(e.evaluations.Load()), int(e.penalized.Load())
}

func (e *ResidualEvaluator) observedDerivative(i int) float64 {
	if i < len(e.series.Derivative) {
		return e.series.Derivative[i]
	}
	return 0
}

// evaluate turns a panicking model into a non-finite sample.
func (e *ResidualEvaluator) evaluate(params map[string]float64, t float64) (p, d float64) {
	defer func() {
		if recover() != nil {
			p, d = math.NaN(), math.NaN()
		}
	}()
	return e.model.Evaluate(params, t)
}
