// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// UnitSource loads units that are referenced by identifier. Implementations
// return *NotFoundError or *LoadError.
type UnitSource interface {
	Load(ctx context.Context, id string) (Unit, error)
}

// Extract pulls the prior and posterior densities and the evidence out of every
// referenced unit, in order. Units referenced by ID are loaded from src.
// Every unit must have the same number of flattened parameters as the first one.
// Returns: one Density per reference.
func Extract(ctx context.Context, refs []Ref, src UnitSource) ([]Density, error) {
	if len(refs) == 0 {
		return nil, ErrEmptyHierarchy
	}

	dens := make([]Density, len(refs))
	n := 0
	for i, ref := range refs {
		unit, err := resolveRef(ctx, ref, src)
		if err != nil {
			return nil, fmt.Errorf("unit %d: %w", i, err)
		}

		d, err := extractOne(i, unit)
		if err != nil {
			return nil, err
		}

		// The first unit fixes the parameterisation
		if i == 0 {
			n = d.PE.Len()
		} else if d.PE.Len() != n {
			return nil, &ParameterisationMismatchError{Unit: i, What: "prior mean", Want: n, Got: d.PE.Len()}
		}

		d.Label = unitLabel(unit, ref, i)
		dens[i] = d
	}

	return dens, nil
}

// resolveRef returns the in-memory unit or loads it by ID.
func resolveRef(ctx context.Context, ref Ref, src UnitSource) (Unit, error) {
	if ref.Unit != nil {
		return ref.Unit, nil
	}
	if ref.ID == "" {
		return nil, fmt.Errorf("empty unit reference")
	}
	if src == nil {
		return nil, &LoadError{ID: ref.ID, Err: fmt.Errorf("no unit source configured")}
	}
	return src.Load(ctx, ref.ID)
}

// extractOne reads and checks the densities of unit i. The posterior and prior
// covariance must match the prior mean in size.
func extractOne(i int, unit Unit) (Density, error) {
	pE := unit.PriorMean()
	qE := unit.PosteriorMean()
	qC := unit.PosteriorCovariance()
	pCov := unit.PriorCovariance()

	if pE == nil || pE.Len() == 0 {
		return Density{}, fmt.Errorf("unit %d: missing prior mean", i)
	}
	n := pE.Len()

	if pCov.IsZero() {
		return Density{}, fmt.Errorf("unit %d: missing prior covariance", i)
	}
	if pCov.Dim() != n {
		return Density{}, &ParameterisationMismatchError{Unit: i, What: "prior covariance", Want: n, Got: pCov.Dim()}
	}
	if qE == nil || qE.Len() != n {
		got := 0
		if qE != nil {
			got = qE.Len()
		}
		return Density{}, &ParameterisationMismatchError{Unit: i, What: "posterior mean", Want: n, Got: got}
	}
	if qC == nil || qC.SymmetricDim() != n {
		got := 0
		if qC != nil {
			got = qC.SymmetricDim()
		}
		return Density{}, &ParameterisationMismatchError{Unit: i, What: "posterior covariance", Want: n, Got: got}
	}

	// Copies, so nothing downstream can touch the unit
	post := mat.NewSymDense(n, nil)
	post.CopySym(qC)

	return Density{
		PE:   mat.VecDenseCopyOf(pE),
		PC:   pCov.Dense(),
		QE:   mat.VecDenseCopyOf(qE),
		QC:   post,
		F:    unit.Evidence(),
		Unit: unit,
	}, nil
}

// unitLabel picks a display label: the unit's own name, its ID, or "Unit <i>".
func unitLabel(unit Unit, ref Ref, i int) string {
	if named, ok := unit.(Named); ok && named.Name() != "" {
		return named.Name()
	}
	if ref.ID != "" {
		return ref.ID
	}
	return fmt.Sprintf("Unit %d", i+1)
}
