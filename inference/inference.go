// Package inference derives per-coefficient significance diagnostics from a
// fitted model: standard errors, Wald z statistics, two-sided p-values and
// odds ratios, plus the Student-t p-values used by the marginal-effects
// estimator.
package inference

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/n0madic/go-streaming-logreg/state"
)

// Summary reports the fit diagnostics for one model. Slices are parallel,
// one entry per coefficient.
type Summary struct {
	Coef          []float64
	StdErr        []float64
	ZStats        []float64
	PValues       []float64
	OddsRatios    []float64
	LogLikelihood float64
	ConditionNo   float64
	Status        state.Status
}

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// Summarize computes the Wald diagnostics for a coefficient vector given
// the diagonal of its variance matrix.
func Summarize(coef, varDiag []float64, logLik, condNo float64, status state.Status) *Summary {
	n := len(coef)
	s := &Summary{
		Coef:          make([]float64, n),
		StdErr:        make([]float64, n),
		ZStats:        make([]float64, n),
		PValues:       make([]float64, n),
		OddsRatios:    make([]float64, n),
		LogLikelihood: logLik,
		ConditionNo:   condNo,
		Status:        status,
	}
	copy(s.Coef, coef)
	for i := 0; i < n; i++ {
		s.StdErr[i] = math.Sqrt(varDiag[i])
		s.ZStats[i] = coef[i] / s.StdErr[i]
		s.PValues[i] = TwoSidedZ(s.ZStats[i])
		s.OddsRatios[i] = math.Exp(coef[i])
	}
	return s
}

// TwoSidedZ returns the two-sided p-value of a standard-normal statistic.
func TwoSidedZ(z float64) float64 {
	return 2 * stdNormal.CDF(-math.Abs(z))
}

// TwoSidedT returns the two-sided p-value of a Student-t statistic with nu
// degrees of freedom. nu must be positive.
func TwoSidedT(t, nu float64) float64 {
	st := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: nu}
	return 2 * st.CDF(-math.Abs(t))
}
