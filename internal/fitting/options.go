package fitting

import (
	"github.com/welltest-lab/fitting-core/internal/derivative"
	"github.com/welltest-lab/fitting-core/pkg/config"
	"github.com/welltest-lab/fitting-core/pkg/models"
)

// Options configures one optimizer run.
type Options struct {
	MaxIterations int
	InitialLambda float64
	LambdaUp      float64
	LambdaDown    float64
	MinLambda     float64
	MaxLambda     float64
	// MaxRetries caps rejected steps within one iteration.
	MaxRetries     int
	ErrorTolerance float64
	StepTolerance  float64
	ConvergenceRun int

	DerivativeWeight float64
	DerivativeScale  float64
	// SmoothingWindow is used to estimate a missing derivative channel.
	SmoothingWindow float64

	Scheme          DifferenceScheme
	RelativeStep    float64
	AbsoluteStep    float64
	JacobianWorkers int

	// IncludeCurve attaches the model curve to each iteration update.
	IncludeCurve bool
}

// DefaultOptions returns the defaults used by the service and the CLI.
func DefaultOptions() Options {
	return Options{
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
		DerivativeScale:  DefaultDerivativeScale,
		SmoothingWindow:  derivative.DefaultSmoothing,
		Scheme:           Forward,
		RelativeStep:     DefaultRelativeStep,
		AbsoluteStep:     DefaultAbsoluteStep,
		JacobianWorkers:  1,
		IncludeCurve:     true,
	}
}

// OptionsFromConfig maps service fit defaults onto Options.
func OptionsFromConfig(f config.FitDefaults) Options {
	return Options{
		MaxIterations:    f.MaxIterations,
		InitialLambda:    f.InitialLambda,
		LambdaUp:         f.LambdaUp,
		LambdaDown:       f.LambdaDown,
		MinLambda:        f.MinLambda,
		MaxLambda:        f.MaxLambda,
		MaxRetries:       f.MaxRetries,
		ErrorTolerance:   f.ErrorTolerance,
		StepTolerance:    f.StepTolerance,
		ConvergenceRun:   f.ConvergenceRun,
		DerivativeWeight: f.DerivativeWeight,
		DerivativeScale:  f.DerivativeScale,
		SmoothingWindow:  f.SmoothingWindow,
		Scheme:           DifferenceScheme(f.DifferenceScheme),
		RelativeStep:     f.RelativeStep,
		AbsoluteStep:     f.AbsoluteStep,
		JacobianWorkers:  f.JacobianWorkers,
		IncludeCurve:     true,
	}
}

// WithRequest applies the per-request overrides of req.
func (o Options) WithRequest(req *models.FitRequest) Options {
	if req == nil {
		return o
	}
	if req.DerivativeWeight != nil {
		o.DerivativeWeight = *req.DerivativeWeight
	}
	if req.SmoothingWindow != nil {
		o.SmoothingWindow = *req.SmoothingWindow
	}
	if req.MaxIterations > 0 {
		o.MaxIterations = req.MaxIterations
	}
	if req.DifferenceScheme != "" {
		o.Scheme = DifferenceScheme(req.DifferenceScheme)
	}
	return o
}

// normalized replaces unusable zero values with defaults. A zero derivative
// weight or tolerance is meaningful and kept.
func (o Options) normalized() Options {
	d := DefaultOptions()
	if o.MaxIterations <= 0 {
		o.MaxIterations = d.MaxIterations
	}
	if !(o.MinLambda > 0) {
		o.MinLambda = d.MinLambda
	}
	if !(o.MaxLambda >= o.MinLambda) {
		o.MaxLambda = d.MaxLambda
	}
	if !(o.InitialLambda > 0) {
		o.InitialLambda = d.InitialLambda
	}
	if o.InitialLambda < o.MinLambda {
		o.InitialLambda = o.MinLambda
	}
	if o.InitialLambda > o.MaxLambda {
		o.InitialLambda = o.MaxLambda
	}
	if !(o.LambdaUp > 1) {
		o.LambdaUp = d.LambdaUp
	}
	if !(o.LambdaDown > 1) {
		o.LambdaDown = d.LambdaDown
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = d.MaxRetries
	}
	if o.ErrorTolerance < 0 {
		o.ErrorTolerance = d.ErrorTolerance
	}
	if o.StepTolerance < 0 {
		o.StepTolerance = d.StepTolerance
	}
	if o.ConvergenceRun <= 0 {
		o.ConvergenceRun = d.ConvergenceRun
	}
	if !(o.DerivativeScale > 0) {
		o.DerivativeScale = d.DerivativeScale
	}
	if !(o.SmoothingWindow > 0) {
		o.SmoothingWindow = d.SmoothingWindow
	}
	if o.Scheme != Central {
		o.Scheme = Forward
	}
	if !(o.RelativeStep > 0) {
		o.RelativeStep = d.RelativeStep
	}
	if !(o.AbsoluteStep > 0) {
		o.AbsoluteStep = d.AbsoluteStep
	}
	if o.JacobianWorkers < 1 {
		o.JacobianWorkers = 1
	}
	return o
}
