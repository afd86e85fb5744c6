package fitting

import (
	"math"

	"github.com/welltest-lab/fitting-core/pkg/models"
	"github.com/welltest-lab/fitting-core/pkg/utils"
)

// powerLaw is p = a·tⁿ with log-derivative a·n·tⁿ.
var powerLaw = models.ModelFunc(func(p map[string]float64, t float64) (float64, float64) {
	v := p["a"] * math.Pow(t, p["n"])
	return v, p["n"] * v
})

// linear is p = a + b·t with log-derivative b·t.
var linear = models.ModelFunc(func(p map[string]float64, t float64) (float64, float64) {
	return p["a"] + p["b"]*t, p["b"] * t
})

func syntheticSeries(model models.ModelFunction, params map[string]float64, n int) *models.Series {
	tm := utils.LogSpace(-1, 2, n)
	s := &models.Series{
		Time:       tm,
		Pressure:   make([]float64, n),
		Derivative: make([]float64, n),
	}
	for i, t := range tm {
		s.Pressure[i], s.Derivative[i] = model.Evaluate(params, t)
	}
	return s
}

func powerLawParams(a, n float64) models.ParameterSet {
	return models.ParameterSet{
		{Name: "a", Value: a, Free: true},
		{Name: "n", Value: n, Free: true},
	}
}
