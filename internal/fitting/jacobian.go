package fitting

import (
	"context"
	"errors"
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/welltest-lab/fitting-core/pkg/models"
)

// DifferenceScheme selects the finite-difference formula.
type DifferenceScheme string

const (
	// Forward costs one residual evaluation per free parameter.
	Forward DifferenceScheme = "forward"
	// Central costs two but is second-order accurate.
	Central DifferenceScheme = "central"
)

var errEmptyJacobian = errors.New("jacobian needs residuals and free parameters")

const (
	DefaultRelativeStep = 1e-6
	DefaultAbsoluteStep = 1e-8
)

// JacobianEstimator approximates J = dr/dθ over the free parameters.
type JacobianEstimator struct {
	Scheme       DifferenceScheme
	RelativeStep float64
	AbsoluteStep float64
	// Workers bounds concurrent column evaluations. Values below 2 evaluate
	// columns sequentially.
	Workers int
}

// NewJacobianEstimator returns a forward-difference estimator with default steps.
func NewJacobianEstimator() *JacobianEstimator {
	return &JacobianEstimator{
		Scheme:       Forward,
		RelativeStep: DefaultRelativeStep,
		AbsoluteStep: DefaultAbsoluteStep,
		Workers:      1,
	}
}

// Estimate returns the len(base) x len(free) Jacobian at params. base must be
// the residuals at params. Perturbed values are clamped to bounds and the
// step shrinks to match; a parameter pinned with no room on either side gets
// a zero column. The context is checked before every column.
func (j *JacobianEstimator) Estimate(ctx context.Context, eval *ResidualEvaluator, params models.ParameterSet, base []float64, free []int) (*mat.Dense, error) {
	rows := len(base)
	if rows == 0 || len(free) == 0 {
		return nil, errEmptyJacobian
	}
	jac := mat.NewDense(rows, len(free), nil)
	baseMap := params.Map()

	if j.Workers < 2 || len(free) < 2 {
		for k, idx := range free {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			jac.SetCol(k, j.column(eval, params[idx], baseMap, base))
		}
		return jac, nil
	}

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, j.Workers)
	cols := make([][]float64, len(free))
	for k, idx := range free {
		wg.Add(1)
		go func(k int, p models.Parameter) {
			defer wg.Done()

			semaphore <- struct{}{}
			defer func() { <-semaphore }()

			if ctx.Err() != nil {
				return
			}
			cols[k] = j.column(eval, p, copyParams(baseMap), base)
		}(k, params[idx])
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for k, col := range cols {
		jac.SetCol(k, col)
	}
	return jac, nil
}

func (j *JacobianEstimator) column(eval *ResidualEvaluator, p models.Parameter, values map[string]float64, base []float64) []float64 {
	col := make([]float64, len(base))
	x := p.Value
	h := j.step(x)

	if j.Scheme == Central {
		xp, xm := p.Clamp(x+h), p.Clamp(x-h)
		span := xp - xm
		if span == 0 {
			return col
		}
		values[p.Name] = xp
		rp := eval.Residuals(values)
		values[p.Name] = xm
		rm := eval.Residuals(values)
		values[p.Name] = x
		for i := range col {
			col[i] = (rp[i] - rm[i]) / span
		}
		return col
	}

	xs := p.Clamp(x + h)
	if xs == x {
		// Pinned at the upper bound: step backwards instead.
		xs = p.Clamp(x - h)
	}
	step := xs - x
	if step == 0 {
		return col
	}
	values[p.Name] = xs
	rs := eval.Residuals(values)
	values[p.Name] = x
	for i := range col {
		col[i] = (rs[i] - base[i]) / step
	}
	return col
}

func (j *JacobianEstimator) step(x float64) float64 {
	rel, abs := j.RelativeStep, j.AbsoluteStep
	if !(rel > 0) {
		rel = DefaultRelativeStep
	}
	if !(abs > 0) {
		abs = DefaultAbsoluteStep
	}
	return math.Max(rel*math.Abs(x), abs)
}

func copyParams(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
