package fitting

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrSingularSystem is returned when neither the Cholesky nor the SVD path
// yields a finite step.
var ErrSingularSystem = errors.New("singular normal equations")

const (
	DefaultDiagonalFloor = 1e-12
	DefaultMaxCondition  = 1e14
	DefaultRankTolerance = 1e-12
)

// NormalEquationSolver solves the damped normal equations
//
//	(JᵀJ + λ·W·diag(JᵀJ)) δ = -Jᵀr
//
// for the parameter step δ. J is dr/dθ with r = observed - model, hence the
// sign on the right-hand side.
type NormalEquationSolver struct {
	// DiagonalFloor bounds each diag(JᵀJ) entry from below, relative to the
	// largest one, so insensitive parameters are still damped.
	DiagonalFloor float64
	// MaxCondition is the Cholesky condition number above which the SVD
	// fallback is used.
	MaxCondition float64
	// RankTolerance is the relative singular-value cutoff of the fallback.
	RankTolerance float64
}

// NewNormalEquationSolver returns a solver with default tolerances.
func NewNormalEquationSolver() *NormalEquationSolver {
	return &NormalEquationSolver{
		DiagonalFloor: DefaultDiagonalFloor,
		MaxCondition:  DefaultMaxCondition,
		RankTolerance: DefaultRankTolerance,
	}
}

// SolveStep returns δ for Jacobian J, residuals r and damping lambda.
// dampWeights scales the damping per column and may be nil.
func (s *NormalEquationSolver) SolveStep(J *mat.Dense, r []float64, lambda float64, dampWeights []float64) ([]float64, error) {
	rows, cols := J.Dims()
	if rows != len(r) {
		return nil, fmt.Errorf("jacobian has %d rows, residual vector has %d", rows, len(r))
	}
	if dampWeights != nil && len(dampWeights) != cols {
		return nil, fmt.Errorf("got %d damping weights for %d columns", len(dampWeights), cols)
	}
	if !(lambda >= 0) {
		lambda = 0
	}

	jtj := mat.NewSymDense(cols, nil)
	jtj.SymOuterK(1, J.T())

	g := mat.NewVecDense(cols, nil)
	g.MulVec(J.T(), mat.NewVecDense(rows, r))
	g.ScaleVec(-1, g)

	maxDiag := 0.0
	for i := 0; i < cols; i++ {
		maxDiag = math.Max(maxDiag, jtj.At(i, i))
	}
	if !(maxDiag > 0) || math.IsInf(maxDiag, 0) {
		return nil, ErrSingularSystem
	}

	floor := s.DiagonalFloor
	if !(floor > 0) {
		floor = DefaultDiagonalFloor
	}
	a := mat.NewSymDense(cols, nil)
	a.CopySym(jtj)
	for i := 0; i < cols; i++ {
		d := math.Max(jtj.At(i, i), floor*maxDiag)
		w := 1.0
		if dampWeights != nil && dampWeights[i] > 0 {
			w = dampWeights[i]
		}
		a.SetSym(i, i, jtj.At(i, i)+lambda*w*d)
	}

	maxCond := s.MaxCondition
	if !(maxCond > 0) {
		maxCond = DefaultMaxCondition
	}
	var chol mat.Cholesky
	if chol.Factorize(a) && chol.Cond() <= maxCond {
		var x mat.VecDense
		if err := chol.SolveVecTo(&x, g); err == nil {
			if step, ok := finiteVec(&x); ok {
				return step, nil
			}
		}
	}

	return s.solveSVD(a, g)
}

func (s *NormalEquationSolver) solveSVD(a mat.Symmetric, g *mat.VecDense) ([]float64, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDThin) {
		return nil, ErrSingularSystem
	}
	rcond := s.RankTolerance
	if !(rcond > 0) {
		rcond = DefaultRankTolerance
	}
	rank := svd.Rank(rcond)
	if rank == 0 {
		return nil, ErrSingularSystem
	}
	var x mat.VecDense
	svd.SolveVecTo(&x, g, rank)
	step, ok := finiteVec(&x)
	if !ok {
		return nil, ErrSingularSystem
	}
	return step, nil
}

func finiteVec(v *mat.VecDense) ([]float64, bool) {
	out := make([]float64, v.Len())
	for i := range out {
		x := v.AtVec(i)
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return nil, false
		}
		out[i] = x
	}
	return out, true
}
