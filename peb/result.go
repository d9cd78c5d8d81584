// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"fmt"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/mat"
)

// Result is the group-level summary of one inversion. It is immutable after
// it is returned and is itself a Unit, so it can be inverted again at a
// deeper level of the hierarchy.
type Result struct {
	ID string

	UnitLabels       []string
	ParameterLabels  []string
	ParameterIndices []int
	CovariateNames   []string
	EffectLabels     []string
	ComponentNames   []string

	// Group effects, Ne x Nx: one column per covariate
	Ep *mat.Dense
	// Covariance of vec(Ep), Ne*Nx
	Cp *mat.SymDense

	// Log precisions of the components and their covariance (nil without components)
	Eh []float64
	Ch *mat.SymDense

	// Random-effects covariance over the selected parameters, Np x Np
	Ce *mat.SymDense

	// Group free energy
	F          float64
	Iterations int

	// Reduced basis, Np x r
	U *mat.Dense

	// Third-level prior mapped like Ep
	PriorE *mat.VecDense
	PriorC *mat.SymDense

	Model    *SecondLevel
	Warnings []error
}

// Returns the third-level prior mean in the reported space
func (r *Result) PriorMean() *mat.VecDense { return r.PriorE }

// Returns the third-level prior covariance in the reported space
func (r *Result) PriorCovariance() Covariance { return DenseCovariance(r.PriorC) }

// Returns the posterior covariance of vec(Ep)
func (r *Result) PosteriorCovariance() *mat.SymDense { return r.Cp }

// Returns the group free energy
func (r *Result) Evidence() float64 { return r.F }

// PosteriorMean returns vec(Ep), covariate by covariate.
func (r *Result) PosteriorMean() *mat.VecDense {
	Ne, Nx := r.Ep.Dims()
	v := mat.NewVecDense(Ne*Nx, nil)
	for j := 0; j < Nx; j++ {
		for e := 0; e < Ne; e++ {
			v.SetVec(j*Ne+e, r.Ep.At(e, j))
		}
	}
	return v
}

// Layout has one field per covariate.
func (r *Result) Layout() Layout {
	Ne, _ := r.Ep.Dims()
	layout := make(Layout, len(r.CovariateNames))
	for j, name := range r.CovariateNames {
		layout[j] = Field{Name: name, Rows: Ne, Cols: 1}
	}
	return layout
}

// Labels composes "<covariate>: <effect>" for every entry of vec(Ep).
func (r *Result) Labels() []string {
	labels := make([]string, 0, len(r.CovariateNames)*len(r.EffectLabels))
	for _, c := range r.CovariateNames {
		for _, e := range r.EffectLabels {
			labels = append(labels, fmt.Sprintf("%s: %s", c, e))
		}
	}
	return labels
}

// Name returns a short display name.
func (r *Result) Name() string {
	if len(r.ID) >= 8 {
		return "PEB " + r.ID[:8]
	}
	return "PEB"
}

// newResult maps a fit from the reduced space to the reported space.
func newResult(sel *Selection, red *Reduction, model *SecondLevel, fit *Fit, warnings []error) *Result {
	Nx := model.Covariates()
	Ne, _ := model.Report.Dims()

	// K = I_Nx kron Report maps the stacked coefficients to the stacked effects
	var K mat.Dense
	K.Kronecker(identity(Nx), model.Report)

	var vecEp mat.VecDense
	vecEp.MulVec(&K, fit.Ep)
	Ep := mat.NewDense(Ne, Nx, nil)
	for j := 0; j < Nx; j++ {
		for e := 0; e < Ne; e++ {
			Ep.Set(e, j, vecEp.AtVec(j*Ne+e))
		}
	}

	priorE := mat.NewVecDense(Ne*Nx, nil)
	priorE.MulVec(&K, model.BE)

	labels := make([]string, len(red.Units))
	for i, u := range red.Units {
		labels[i] = u.Label
	}

	res := &Result{
		ID:               uuid.NewString(),
		UnitLabels:       labels,
		ParameterLabels:  append([]string(nil), sel.Labels...),
		ParameterIndices: append([]int(nil), sel.Indices...),
		CovariateNames:   append([]string(nil), model.CovariateNames...),
		EffectLabels:     append([]string(nil), model.EffectLabels...),
		ComponentNames:   append([]string(nil), model.ComponentNames...),
		Ep:               Ep,
		Cp:               sandwich(K.T(), fit.Cp),
		Eh:               append([]float64(nil), fit.Eh...),
		Ch:               fit.Ch,
		Ce:               expandSym(red.U, fit.Ce),
		F:                fit.F,
		Iterations:       fit.Iterations,
		U:                red.U,
		PriorE:           priorE,
		PriorC:           sandwich(K.T(), model.BC),
		Model:            model,
		Warnings:         warnings,
	}
	return res
}

// updateUnits writes every unit's empirical-Bayes posterior back into the
// full parameter vector. Only the selected block q changes.
// Returns: one new Model per unit
func updateUnits(dens []Density, q []int, red *Reduction, fit *Fit) []Unit {
	U := red.U
	Np := len(q)

	// Projector onto the discarded subspace, I - UU'
	var UUt mat.Dense
	UUt.Mul(U, U.T())
	var perp mat.Dense
	perp.Sub(identity(Np), &UUt)

	out := make([]Unit, len(dens))
	for i, d := range dens {
		post := fit.Units[i]
		m := baseModel(d)

		// 1. Posterior mean: qE(q) + U(SE - U'qE(q))
		qEq := subvector(d.QE, q)
		var diff, back mat.VecDense
		diff.SubVec(post.SE, projectVec(U, qEq))
		back.MulVec(U, &diff)
		qEq.AddVec(qEq, &back)
		for j, k := range q {
			m.PostE.SetVec(k, qEq.AtVec(j))
		}

		// 2. Posterior covariance: qC(q,q) + U(SC - U'qC(q,q)U)U'
		qCq := submatrix(d.QC, q)
		qCq = addSym(qCq, expandSym(U, subSym(post.SC, projectSym(U, qCq))))
		setBlock(m.PostC, q, qCq)

		// 3. Empirical prior: U rE + (I - UU')pE(q), U rC U' + (I - UU')pC(I - UU')
		pEq := subvector(d.PE, q)
		var kept, moved mat.VecDense
		kept.MulVec(&perp, pEq)
		moved.MulVec(U, post.RE)
		kept.AddVec(&kept, &moved)
		for j, k := range q {
			m.PriorE.SetVec(k, kept.AtVec(j))
		}
		prior := m.PriorC.Dense()
		pCq := addSym(expandSym(U, post.RC), sandwich(&perp, submatrix(d.PC, q)))
		setBlock(prior, q, pCq)
		m.PriorC = DenseCovariance(prior)

		// 4. Evidence under the empirical prior
		m.F = d.F + post.DF

		out[i] = m
	}
	return out
}

// baseModel returns a Model copy of the unit behind d.
func baseModel(d Density) *Model {
	if m, ok := d.Unit.(*Model); ok {
		out := m.Clone()
		if out.Label == "" {
			out.Label = d.Label
		}
		return out
	}

	post := mat.NewSymDense(d.QC.SymmetricDim(), nil)
	post.CopySym(d.QC)
	prior := mat.NewSymDense(d.PC.SymmetricDim(), nil)
	prior.CopySym(d.PC)
	m := &Model{
		Label:  d.Label,
		PriorE: mat.VecDenseCopyOf(d.PE),
		PriorC: DenseCovariance(prior),
		PostE:  mat.VecDenseCopyOf(d.QE),
		PostC:  post,
		F:      d.F,
	}
	if s, ok := d.Unit.(Structured); ok {
		m.Fields = append(Layout(nil), s.Layout()...)
	}
	return m
}

// setBlock writes b into a(q,q).
func setBlock(a *mat.SymDense, q []int, b mat.Symmetric) {
	for i, ki := range q {
		for j := i; j < len(q); j++ {
			a.SetSym(ki, q[j], b.At(i, j))
		}
	}
}
