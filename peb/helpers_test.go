// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// ============================================================================
// HELPER FUNCTIONS
// ============================================================================

// almostEqual compares floats with tolerance
func almostEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

// diagSym builds a diagonal covariance
func diagSym(v ...float64) *mat.SymDense {
	s := mat.NewSymDense(len(v), nil)
	for i, x := range v {
		s.SetSym(i, i, x)
	}
	return s
}

// scaledEye returns f*I_n
func scaledEye(n int, f float64) *mat.SymDense {
	return scaleSym(f, eye(n))
}

// newUnit builds a model with a single vector field "A"
func newUnit(label string, pE []float64, pC *mat.SymDense, qE []float64, qC *mat.SymDense, F float64) *Model {
	return &Model{
		Label:  label,
		Fields: Layout{{Name: "A", Rows: len(pE)}},
		PriorE: mat.NewVecDense(len(pE), append([]float64(nil), pE...)),
		PriorC: DenseCovariance(pC),
		PostE:  mat.NewVecDense(len(qE), append([]float64(nil), qE...)),
		PostC:  qC,
		F:      F,
	}
}

// scenarioUnits returns three 4-parameter units whose first parameter was
// estimated at 1.0, 1.2 and 0.8.
func scenarioUnits() []Unit {
	means := []float64{1, 1.2, 0.8}
	units := make([]Unit, len(means))
	for i, m := range means {
		units[i] = newUnit(
			[]string{"s1", "s2", "s3"}[i],
			[]float64{0, 0, 0, 0},
			scaledEye(4, 1),
			[]float64{m, 0, 0, 0},
			scaledEye(4, 0.1),
			-10,
		)
	}
	return units
}

// refsOf wraps in-memory units
func refsOf(units []Unit) []Ref {
	return unitRefs(units)
}
