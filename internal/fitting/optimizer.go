package fitting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/welltest-lab/fitting-core/internal/derivative"
	"github.com/welltest-lab/fitting-core/pkg/logger"
	"github.com/welltest-lab/fitting-core/pkg/models"
	"github.com/welltest-lab/fitting-core/pkg/utils"
)

// Optimizer is a damped Gauss-Newton (Levenberg-Marquardt) least-squares
// fitter. One Optimizer may run many fits, but each Run owns its state.
type Optimizer struct {
	opts     Options
	logger   *slog.Logger
	updates  chan<- models.IterationUpdate
	observer func(models.IterationUpdate)

	jacobian    *JacobianEstimator
	solver      *NormalEquationSolver
	convergence *CombinedStrategy
}

// NewOptimizer creates an optimizer. Zero-valued options fall back to defaults.
func NewOptimizer(opts Options) *Optimizer {
	opts = opts.normalized()
	return &Optimizer{
		opts: opts,
		jacobian: &JacobianEstimator{
			Scheme:       opts.Scheme,
			RelativeStep: opts.RelativeStep,
			AbsoluteStep: opts.AbsoluteStep,
			Workers:      opts.JacobianWorkers,
		},
		solver: NewNormalEquationSolver(),
		convergence: NewCombinedStrategy(&ConvergenceConfig{
			ErrorTolerance: opts.ErrorTolerance,
			StepTolerance:  opts.StepTolerance,
			Run:            opts.ConvergenceRun,
		}),
	}
}

// WithLogger sets the logger. Defaults to logger.Default.
func (o *Optimizer) WithLogger(l *slog.Logger) *Optimizer {
	o.logger = l
	return o
}

// WithUpdates sets the channel receiving iteration updates. Sends never
// block; an update that does not fit is dropped and counted.
func (o *Optimizer) WithUpdates(ch chan<- models.IterationUpdate) *Optimizer {
	o.updates = ch
	return o
}

// WithObserver sets a synchronous callback invoked on every accepted
// iteration, before the channel send. It must return quickly.
func (o *Optimizer) WithObserver(fn func(models.IterationUpdate)) *Optimizer {
	o.observer = fn
	return o
}

// Options returns the effective options.
func (o *Optimizer) Options() Options {
	return o.opts
}

// Run fits params to series. It returns an error only when the inputs are
// unusable; every started run ends with a terminal FitState, including on
// cancellation and divergence. A missing derivative channel is estimated
// with the configured smoothing window.
func (o *Optimizer) Run(ctx context.Context, series *models.Series, params models.ParameterSet, model models.ModelFunction) (*models.FitState, error) {
	if model == nil {
		return nil, errors.New("model function is required")
	}
	if series == nil {
		return nil, models.ErrInsufficientData
	}
	if err := series.Validate(); err != nil {
		return nil, err
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	log := o.logger
	if log == nil {
		log = logger.Default
	}

	data := series.Clone()
	if derivative.New(o.opts.SmoothingWindow).Fill(data) {
		log.Debug("estimated missing derivative channel", "window", o.opts.SmoothingWindow)
	}

	r := &run{
		Optimizer: o,
		log:       log,
		eval:      NewResidualEvaluator(data, model, o.opts.DerivativeWeight, o.opts.DerivativeScale),
		current:   params.Clamped(),
		lambda:    o.opts.InitialLambda,
	}
	return r.execute(ctx), nil
}

// run is the mutable state of one Optimizer.Run.
type run struct {
	*Optimizer
	log  *slog.Logger
	eval *ResidualEvaluator

	current   models.ParameterSet
	free      []int
	residuals []float64
	sse       float64
	reference float64
	lambda    float64
	history   []Step

	state         *models.FitState
	dropped       int
	lastPenalized int
}

func (r *run) execute(ctx context.Context) *models.FitState {
	r.free = r.current.FreeIndices()
	r.residuals = r.eval.Residuals(r.current.Map())
	r.sse = utils.SumSquares(r.residuals)
	r.reference = r.eval.ReferenceSSE()
	r.state = &models.FitState{
		Params: r.current.Clone(),
		SSE:    r.sse,
		Lambda: r.lambda,
		Status: models.FitStatusInitializing,
	}
	r.notePenalties()

	if len(r.free) == 0 {
		return r.finish(models.FitStatusConverged, "no free parameters")
	}
	if AtNoiseFloor(r.sse, r.reference) {
		return r.finish(models.FitStatusConverged, "initial error at noise floor")
	}

	weights := make([]float64, len(r.free))
	for k, idx := range r.free {
		weights[k] = r.current[idx].DampingWeight()
	}

	r.state.Status = models.FitStatusIterating
	r.log.Debug("fit started", "free_params", len(r.free), "samples", r.eval.Len()/2, "sse", r.sse)

	for r.state.Iteration < r.opts.MaxIterations {
		if ctx.Err() != nil {
			return r.finish(models.FitStatusCancelled, "cancelled before iteration")
		}

		jac, err := r.jacobian.Estimate(ctx, r.eval, r.current, r.residuals, r.free)
		if err != nil {
			if ctx.Err() != nil {
				return r.finish(models.FitStatusCancelled, "cancelled during jacobian evaluation")
			}
			return r.finish(models.FitStatusDiverged, fmt.Sprintf("jacobian: %v", err))
		}

		accepted := false
		for retry := 0; retry < r.opts.MaxRetries; retry++ {
			if ctx.Err() != nil {
				return r.finish(models.FitStatusCancelled, "cancelled during step search")
			}
			if r.tryStep(jac, weights) {
				accepted = true
				break
			}
			r.lambda = math.Min(r.lambda*r.opts.LambdaUp, r.opts.MaxLambda)
		}
		r.notePenalties()

		if !accepted {
			r.state.Lambda = r.lambda
			if n := len(r.history); n > 0 && r.convergence.Satisfied(r.history[n-1]) {
				return r.finish(models.FitStatusConverged, "no further improvement after a converging step")
			}
			if AtNoiseFloor(r.sse, r.reference) {
				return r.finish(models.FitStatusConverged, "error at noise floor")
			}
			return r.finish(models.FitStatusDiverged, fmt.Sprintf("no improving step after %d retries", r.opts.MaxRetries))
		}

		r.lambda = math.Max(r.lambda/r.opts.LambdaDown, r.opts.MinLambda)
		r.state.Iteration++
		r.state.Params = r.current.Clone()
		r.state.SSE = r.sse
		r.state.Lambda = r.lambda
		r.log.Debug("iteration accepted", "iteration", r.state.Iteration, "sse", r.sse, "lambda", r.lambda)
		r.emit()

		if ok, reason := r.convergence.CheckConvergence(r.history); ok {
			return r.finish(models.FitStatusConverged, reason)
		}
		if AtNoiseFloor(r.sse, r.reference) {
			return r.finish(models.FitStatusConverged, "error at noise floor")
		}
	}

	return r.finish(models.FitStatusMaxIterations, fmt.Sprintf("reached %d iterations", r.opts.MaxIterations))
}

// tryStep solves for a step at the current lambda and accepts it if the
// clamped trial point lowers the error. A singular solve is a rejection.
func (r *run) tryStep(jac *mat.Dense, weights []float64) bool {
	delta, err := r.solver.SolveStep(jac, r.residuals, r.lambda, weights)
	if err != nil {
		r.log.Debug("step solve failed", "lambda", r.lambda, "error", err)
		return false
	}

	trial := r.current.Clone()
	var stepSq, paramSq float64
	for k, idx := range r.free {
		old := r.current[idx].Value
		trial[idx].Value = trial[idx].Clamp(old + delta[k])
		d := trial[idx].Value - old
		stepSq += d * d
		paramSq += old * old
	}

	res := r.eval.Residuals(trial.Map())
	sse := utils.SumSquares(res)
	if !utils.IsFinite(sse) || !(sse < r.sse) {
		return false
	}

	r.history = append(r.history, Step{
		Iteration: r.state.Iteration + 1,
		SSE:       sse,
		PrevSSE:   r.sse,
		StepNorm:  math.Sqrt(stepSq),
		ParamNorm: math.Sqrt(paramSq),
	})
	r.current, r.residuals, r.sse = trial, res, sse
	return true
}

func (r *run) emit() {
	update := models.IterationUpdate{
		Iteration: r.state.Iteration,
		Error:     r.sse,
		Lambda:    r.lambda,
		Params:    r.current.Map(),
	}
	if r.opts.IncludeCurve {
		update.Curve = r.eval.Curve(r.current.Map())
	}
	if r.observer != nil {
		r.observer(update)
	}
	if r.updates == nil {
		return
	}
	select {
	case r.updates <- update:
	default:
		r.dropped++
	}
}

// notePenalties logs model evaluations that produced non-finite output since
// the last call.
func (r *run) notePenalties() {
	_, penalized := r.eval.Counts()
	if penalized > r.lastPenalized {
		r.log.Warn("model evaluation failure",
			"penalized", penalized-r.lastPenalized,
			"total_penalized", penalized,
			"penalty_residual", PenaltyResidual)
		r.lastPenalized = penalized
	}
}

func (r *run) finish(status models.FitStatus, reason string) *models.FitState {
	evaluations, penalized := r.eval.Counts()
	r.state.Status = status
	r.state.Reason = reason
	r.state.Evaluations = evaluations
	r.state.Penalized = penalized
	r.state.DroppedUpdates = r.dropped

	r.log.Info("fit finished",
		"status", string(status),
		"reason", reason,
		"iterations", r.state.Iteration,
		"sse", r.state.SSE,
		"evaluations", evaluations)
	return r.state
}
