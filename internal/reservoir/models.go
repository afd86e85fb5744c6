package reservoir

import (
	"math"

	"github.com/welltest-lab/fitting-core/pkg/models"
)

const (
	RadialSemilog = "radial_semilog"
	PowerLaw      = "power_law"
	StorageRadial = "storage_radial"
)

func referenceModels() []Model {
	return []Model{
		{
			ID:          RadialSemilog,
			Description: "infinite-acting radial flow: p = m·ln(t) + b",
			Defaults: models.ParameterSet{
				{Name: "m", Value: 1, Free: true, Lower: models.Float(0)},
				{Name: "b", Value: 0, Free: true},
			},
			Function: models.ModelFunc(radialSemilog),
		},
		{
			ID:          PowerLaw,
			Description: "power-law flow regime: p = a·t^n (n=0.5 linear, 0.25 bilinear)",
			Defaults: models.ParameterSet{
				{Name: "a", Value: 1, Free: true, Lower: models.Float(0)},
				{Name: "n", Value: 0.5, Free: true, Lower: models.Float(0), Upper: models.Float(2)},
			},
			Function: models.ModelFunc(powerLaw),
		},
		{
			ID:          StorageRadial,
			Description: "wellbore storage transitioning to radial flow: p = m·ln(1+t/tc) + s·(1-exp(-t/tc))",
			Defaults: models.ParameterSet{
				{Name: "m", Value: 1, Free: true, Lower: models.Float(0)},
				{Name: "tc", Value: 0.1, Free: true, Lower: models.Float(1e-9)},
				{Name: "s", Value: 0, Free: true},
			},
			Function: models.ModelFunc(storageRadial),
		},
	}
}

func radialSemilog(p map[string]float64, t float64) (float64, float64) {
	m := p["m"]
	return m*math.Log(t) + p["b"], m
}

func powerLaw(p map[string]float64, t float64) (float64, float64) {
	n := p["n"]
	v := p["a"] * math.Pow(t, n)
	return v, n * v
}

// storageRadial has unit slope (p ∝ t) for t << tc and semilog behaviour
// m·ln(t/tc) + s for t >> tc.
func storageRadial(p map[string]float64, t float64) (float64, float64) {
	m, tc, s := p["m"], p["tc"], p["s"]
	if !(tc > 0) {
		return math.NaN(), math.NaN()
	}
	x := t / tc
	decay := math.Exp(-x)
	pressure := m*math.Log1p(x) + s*(1-decay)
	deriv := m*t/(tc+t) + s*x*decay
	return pressure, deriv
}
