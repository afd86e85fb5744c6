package fitting

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/welltest-lab/fitting-core/pkg/models"
)

func linearSetup(t *testing.T, params models.ParameterSet) (*ResidualEvaluator, []float64) {
	t.Helper()
	series := syntheticSeries(linear, map[string]float64{"a": 1, "b": 2}, 8)
	eval := NewResidualEvaluator(series, linear, 0.5, 1)
	return eval, eval.Residuals(params.Map())
}

// expectedLinearColumn returns dr/dθ for the linear model: residuals are
// observed minus model, so the Jacobian is the negated model sensitivity.
func expectedLinearJacobian(times []float64, w float64) *mat.Dense {
	n := len(times)
	j := mat.NewDense(2*n, 2, nil)
	for i, tm := range times {
		j.Set(i, 0, -1)
		j.Set(i, 1, -tm)
		j.Set(n+i, 0, 0)
		j.Set(n+i, 1, -w*tm)
	}
	return j
}

func TestJacobianMatchesAnalytic(t *testing.T) {
	params := models.ParameterSet{
		{Name: "a", Value: 0.7, Free: true},
		{Name: "b", Value: 1.3, Free: true},
	}
	eval, base := linearSetup(t, params)
	times := eval.series.Time
	want := expectedLinearJacobian(times, 0.5)

	for _, scheme := range []DifferenceScheme{Forward, Central} {
		est := NewJacobianEstimator()
		est.Scheme = scheme
		got, err := est.Estimate(context.Background(), eval, params, base, []int{0, 1})
		require.NoError(t, err)

		rows, cols := got.Dims()
		require.Equal(t, 2*len(times), rows)
		require.Equal(t, 2, cols)
		require.True(t, mat.EqualApprox(got, want, 1e-5), "scheme %s", scheme)
	}
}

func TestJacobianAtUpperBoundStepsBackward(t *testing.T) {
	params := models.ParameterSet{
		{Name: "a", Value: 0.7, Free: true},
		{Name: "b", Value: 1.3, Free: true, Upper: models.Float(1.3)},
	}
	eval, base := linearSetup(t, params)

	got, err := NewJacobianEstimator().Estimate(context.Background(), eval, params, base, []int{1})
	require.NoError(t, err)

	want := expectedLinearJacobian(eval.series.Time, 0.5)
	for i := 0; i < eval.Len(); i++ {
		require.InDelta(t, want.At(i, 1), got.At(i, 0), 1e-5)
	}
}

func TestJacobianPinnedParameterHasZeroColumn(t *testing.T) {
	params := models.ParameterSet{
		{Name: "a", Value: 1, Free: true, Lower: models.Float(1), Upper: models.Float(1)},
		{Name: "b", Value: 2, Free: true},
	}
	eval, base := linearSetup(t, params)

	for _, scheme := range []DifferenceScheme{Forward, Central} {
		est := NewJacobianEstimator()
		est.Scheme = scheme
		got, err := est.Estimate(context.Background(), eval, params, base, []int{0, 1})
		require.NoError(t, err)
		for i := 0; i < eval.Len(); i++ {
			require.Zero(t, got.At(i, 0))
		}
	}
}

func TestJacobianWorkersMatchSequential(t *testing.T) {
	params := models.ParameterSet{
		{Name: "a", Value: 0.7, Free: true},
		{Name: "b", Value: 1.3, Free: true},
	}
	eval, base := linearSetup(t, params)

	seq := NewJacobianEstimator()
	par := NewJacobianEstimator()
	par.Workers = 4

	a, err := seq.Estimate(context.Background(), eval, params, base, []int{0, 1})
	require.NoError(t, err)
	b, err := par.Estimate(context.Background(), eval, params, base, []int{0, 1})
	require.NoError(t, err)
	require.True(t, mat.Equal(a, b))
}

func TestJacobianHonoursCancellation(t *testing.T) {
	params := powerLawParams(1, 0.5)
	series := syntheticSeries(powerLaw, map[string]float64{"a": 1, "n": 0.5}, 5)
	eval := NewResidualEvaluator(series, powerLaw, 1, 1)
	base := eval.Residuals(params.Map())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for _, workers := range []int{1, 3} {
		est := NewJacobianEstimator()
		est.Workers = workers
		_, err := est.Estimate(ctx, eval, params, base, []int{0, 1})
		require.ErrorIs(t, err, context.Canceled)
	}
}

func TestJacobianRejectsEmptyInput(t *testing.T) {
	params := powerLawParams(1, 0.5)
	series := syntheticSeries(powerLaw, map[string]float64{"a": 1, "n": 0.5}, 5)
	eval := NewResidualEvaluator(series, powerLaw, 1, 1)

	_, err := NewJacobianEstimator().Estimate(context.Background(), eval, params, eval.Residuals(params.Map()), nil)
	require.Error(t, err)
}
