// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"gonum.org/v1/gonum/mat"
)

// Reduce restricts every unit to the selected parameters q and projects it onto
// the non-degenerate subspace of the across-unit mean prior covariance.
// With more than one unit the reduced posterior covariances are shrunk as
// qC = inv(inv(qC) + inv(pC)/ShrinkFactor). With a single unit the basis is the identity.
// Returns: the reduced densities together with the basis U and the mean prior PE, PC
func Reduce(dens []Density, q []int, opts EstimationOptions) (*Reduction, error) {
	if len(dens) == 0 {
		return nil, ErrEmptyHierarchy
	}
	opts = opts.withDefaults()

	Ns := len(dens)
	Np := len(q)

	// 1. Mean prior density across units
	PE := mat.NewVecDense(Np, nil)
	PC := mat.NewSymDense(Np, nil)
	means := make([]*mat.VecDense, Ns)
	for i, d := range dens {
		PE.AddVec(PE, subvector(d.PE, q))
		PC = addSym(PC, submatrix(d.PC, q))
		means[i] = subvector(d.QE, q)
	}
	PE.ScaleVec(1/float64(Ns), PE)
	PC = scaleSym(1/float64(Ns), PC)

	red := &Reduction{PE: PE, PC: PC, Means: means}

	// 2. Orthonormal basis of the prior covariance. A single unit keeps every
	// parameter so that W can mix them.
	if Ns == 1 {
		red.U = identity(Np)
	} else {
		U, err := orthBasis(PC, opts.RankTolerance)
		if err != nil {
			return nil, &NumericalInstabilityError{Stage: "rank reduction", Unit: -1, Err: err}
		}
		red.U = U
	}
	if r := red.Rank(); r < Np {
		red.Warnings = append(red.Warnings, &RankDeficiencyWarning{Selected: Np, Rank: r})
	}

	// 3. Project every unit into the reduced space
	red.Units = make([]ReducedUnit, Ns)
	for i, d := range dens {
		ru := ReducedUnit{
			Label: d.Label,
			PE:    projectVec(red.U, subvector(d.PE, q)),
			PC:    projectSym(red.U, submatrix(d.PC, q)),
			QE:    projectVec(red.U, subvector(d.QE, q)),
			QC:    projectSym(red.U, submatrix(d.QC, q)),
			F:     d.F,
		}

		// 4. Shrink the posterior covariance towards the prior precision
		if Ns > 1 {
			qC, err := shrinkPosterior(ru.QC, ru.PC, opts)
			if err != nil {
				return nil, &NumericalInstabilityError{Stage: "posterior shrinkage", Unit: i, Err: err}
			}
			ru.QC = qC
		}
		red.Units[i] = ru
	}

	return red, nil
}

// shrinkPosterior returns inv(inv(qC) + inv(pC)/opts.ShrinkFactor).
func shrinkPosterior(qC, pC *mat.SymDense, opts EstimationOptions) (*mat.SymDense, error) {
	qP, err := inverse(qC, opts.Ridge)
	if err != nil {
		return nil, err
	}
	pP, err := inverse(pC, opts.Ridge)
	if err != nil {
		return nil, err
	}
	return inverse(addSym(qP, scaleSym(1/opts.ShrinkFactor, pP)), opts.Ridge)
}
