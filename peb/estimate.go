// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"
)

// Estimator is the interface for a second-level estimator.
type Estimator interface {
	// Turns the reduced unit densities and a resolved group model into a fit
	Estimate(ctx context.Context, red *Reduction, model *SecondLevel) (*Fit, error)
}

// HierarchicalEstimator maximizes the group free energy over the log
// precisions of the random effects, solving for the group parameters in
// closed form at every step.
type HierarchicalEstimator struct {
	Options EstimationOptions
	Logger  *slog.Logger
}

// Fit is the estimator output, in the reduced space.
type Fit struct {
	// Group parameters, Nx*Nw, stacked covariate by covariate
	Ep *mat.VecDense
	Cp *mat.SymDense

	// Log precisions of the components and their covariance (nil without components)
	Eh []float64
	Ch *mat.SymDense

	// Implied random-effects covariance, r x r
	Ce *mat.SymDense

	// Group free energy, including the first-level evidences
	F float64

	// Iterations of the ascent actually run
	Iterations int

	// Empirical-Bayes posteriors, one per unit
	Units []UnitPosterior
}

// UnitPosterior is one unit re-estimated under the empirical prior N(RE, RC).
type UnitPosterior struct {
	RE *mat.VecDense
	RC *mat.SymDense
	SE *mat.VecDense
	SC *mat.SymDense
	// Change in log evidence from the original prior to the empirical prior
	DF float64
}

// unitTerms are the parts of one unit's reduced free energy that do not
// depend on the hyperparameters.
type unitTerms struct {
	qP, pP *mat.SymDense
	// qP*qE - pP*pE
	b *mat.VecDense
	// 1/2 log|qP|/|pP| - 1/2 (qE'qP qE - pE'pP pE)
	c float64
	// X(i,:) kron W, r x Nx*Nw
	Z *mat.Dense
}

// state is the closed-form solution for one value of the hyperparameters.
type state struct {
	F     float64
	Ep    *mat.VecDense
	Cp    *mat.SymDense
	rP    *mat.SymDense
	units []UnitPosterior
}

// hierarchy holds everything the free energy needs.
type hierarchy struct {
	model *SecondLevel
	units []unitTerms
	opts  EstimationOptions

	bP       *mat.SymDense
	logDetBP float64
	hP       *mat.SymDense
	logDetHP float64
}

// Estimate runs the hierarchical estimator with opts, logging to slog.Default().
func Estimate(ctx context.Context, red *Reduction, model *SecondLevel, opts EstimationOptions) (*Fit, error) {
	return (&HierarchicalEstimator{Options: opts}).Estimate(ctx, red, model)
}

// Estimate runs the ascent. The context is checked between iterations.
func (e *HierarchicalEstimator) Estimate(ctx context.Context, red *Reduction, model *SecondLevel) (*Fit, error) {
	opts := e.Options.withDefaults()
	logger := e.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h, err := newHierarchy(red, model, opts)
	if err != nil {
		return nil, err
	}

	// 1. Start at the prior expectation of the log precisions
	k := len(model.Q)
	eh := make([]float64, k)
	for i := range eh {
		eh[i] = model.HE.AtVec(i)
	}
	cur, err := h.evaluate(eh)
	if err != nil {
		return nil, err
	}

	objective := func(x []float64) float64 {
		s, err := h.evaluate(x)
		if err != nil {
			return math.Inf(-1)
		}
		return s.F
	}

	// 2-4. Gauss-Newton ascent on the hyperparameters
	iterations := 0
	converged := k == 0
	for iterations < opts.MaxIterations && !converged {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		iterations++

		g, H, err := h.derivatives(objective, eh)
		if err != nil {
			return nil, err
		}
		dh := ascentStep(H, g, model.HC, opts)

		// Halve the step until the free energy does not fall
		var next *state
		var trial []float64
		step := 1.0
		for halving := 0; halving <= opts.MaxHalvings; halving++ {
			trial = make([]float64, k)
			for i := range trial {
				trial[i] = eh[i] + step*dh[i]
			}
			s, err := h.evaluate(trial)
			if err == nil && s.F >= cur.F-opts.AcceptTolerance {
				next = s
				break
			}
			step /= 2
		}
		if next == nil {
			// No ascent direction left
			converged = true
			break
		}

		dF := next.F - cur.F
		eh, cur = trial, next
		logger.Debug("peb iteration", "iteration", iterations, "F", cur.F, "dF", dF, "step", step)
		if dF < opts.Tolerance {
			converged = true
		}
	}
	if !converged {
		logger.Info("peb maximum iterations reached", "iterations", iterations, "F", cur.F)
	}

	fit := &Fit{
		Ep:         cur.Ep,
		Cp:         cur.Cp,
		Eh:         eh,
		Iterations: iterations,
		Units:      cur.units,
	}

	ce, err := inverse(cur.rP, opts.Ridge)
	if err != nil {
		return nil, &NumericalInstabilityError{Stage: "random-effects covariance", Unit: -1, Err: err}
	}
	fit.Ce = ce

	// Group free energy: first-level evidences, the closed-form terms and the
	// Laplace term of the hyperparameters
	F := cur.F
	for _, u := range red.Units {
		F += u.F
	}
	if k > 0 {
		_, H, err := h.derivatives(objective, eh)
		if err != nil {
			return nil, err
		}
		ch, err := negInverse(H, opts)
		if err != nil {
			return nil, &NumericalInstabilityError{Stage: "hyperparameter covariance", Unit: -1, Err: err}
		}
		ldCh, err := logDet(ch, opts.Ridge)
		if err != nil {
			return nil, &NumericalInstabilityError{Stage: "hyperparameter covariance", Unit: -1, Err: err}
		}
		fit.Ch = ch
		F += (ldCh + h.logDetHP) / 2
	}
	fit.F = F

	return fit, nil
}

// newHierarchy precomputes the unit terms and prior precisions.
func newHierarchy(red *Reduction, model *SecondLevel, opts EstimationOptions) (*hierarchy, error) {
	if len(red.Units) != rows(model.X) {
		return nil, fmt.Errorf("design has %d rows for %d units", rows(model.X), len(red.Units))
	}
	Nx := model.Covariates()

	h := &hierarchy{model: model, opts: opts, units: make([]unitTerms, len(red.Units))}
	for i, u := range red.Units {
		qP, err := inverse(u.QC, opts.Ridge)
		if err != nil {
			return nil, &NumericalInstabilityError{Stage: "posterior precision", Unit: i, Err: err}
		}
		pP, err := inverse(u.PC, opts.Ridge)
		if err != nil {
			return nil, &NumericalInstabilityError{Stage: "prior precision", Unit: i, Err: err}
		}
		ldq, err := logDet(qP, opts.Ridge)
		if err != nil {
			return nil, &NumericalInstabilityError{Stage: "posterior precision", Unit: i, Err: err}
		}
		ldp, err := logDet(pP, opts.Ridge)
		if err != nil {
			return nil, &NumericalInstabilityError{Stage: "prior precision", Unit: i, Err: err}
		}

		var qb, pb mat.VecDense
		qb.MulVec(qP, u.QE)
		pb.MulVec(pP, u.PE)
		b := mat.NewVecDense(qb.Len(), nil)
		b.SubVec(&qb, &pb)

		var Z mat.Dense
		Z.Kronecker(model.X.Slice(i, i+1, 0, Nx), model.W)

		h.units[i] = unitTerms{
			qP: qP,
			pP: pP,
			b:  b,
			c:  (ldq-ldp)/2 - (quad(u.QE, qP)-quad(u.PE, pP))/2,
			Z:  &Z,
		}
	}

	bP, err := inverse(model.BC, opts.Ridge)
	if err != nil {
		return nil, &NumericalInstabilityError{Stage: "third-level prior precision", Unit: -1, Err: err}
	}
	h.bP = bP
	if h.logDetBP, err = logDet(bP, opts.Ridge); err != nil {
		return nil, &NumericalInstabilityError{Stage: "third-level prior precision", Unit: -1, Err: err}
	}

	if len(model.Q) > 0 {
		hP, err := inverse(model.HC, opts.Ridge)
		if err != nil {
			return nil, &NumericalInstabilityError{Stage: "hyperprior precision", Unit: -1, Err: err}
		}
		h.hP = hP
		if h.logDetHP, err = logDet(hP, opts.Ridge); err != nil {
			return nil, &NumericalInstabilityError{Stage: "hyperprior precision", Unit: -1, Err: err}
		}
	}
	return h, nil
}

// precision returns the random-effects precision sum_k exp(h_k) Q_k, or the
// second-level prior precision when there are no components.
func (h *hierarchy) precision(eh []float64) *mat.SymDense {
	if len(h.model.Q) == 0 {
		return h.model.PQ
	}
	r := h.model.Q[0].SymmetricDim()
	P := mat.NewSymDense(r, nil)
	for k, Q := range h.model.Q {
		P.AddSym(P, scaleSym(math.Exp(eh[k]), Q))
	}
	return P
}

// evaluate solves for the group posterior given the log precisions eh and
// returns the free energy without the constant first-level evidences.
func (h *hierarchy) evaluate(eh []float64) (*state, error) {
	opts := h.opts
	model := h.model

	rP := h.precision(eh)
	ldrP, err := logDet(rP, opts.Ridge)
	if err != nil {
		return nil, &NumericalInstabilityError{Stage: "random-effects precision", Unit: -1, Err: err}
	}

	// Accumulate the posterior precision and the natural mean of the
	// group parameters, one unit at a time
	d := model.BE.Len()
	P := mat.NewSymDense(d, nil)
	P.CopySym(h.bP)
	nu := mat.NewVecDense(d, nil)
	nu.MulVec(h.bP, model.BE)

	type reduced struct {
		SP, SC *mat.SymDense
		ldSP   float64
	}
	red := make([]reduced, len(h.units))

	for i, u := range h.units {
		// Reduced posterior precision under the empirical prior
		SP := subSym(addSym(u.qP, rP), u.pP)
		chol, err := cholesky(SP, opts.Ridge)
		if err != nil {
			return nil, &NumericalInstabilityError{Stage: "reduced posterior", Unit: i, Err: err}
		}
		var SC mat.SymDense
		if err := chol.InverseTo(&SC); err != nil {
			var cond mat.Condition
			if !errors.As(err, &cond) {
				return nil, &NumericalInstabilityError{Stage: "reduced posterior", Unit: i, Err: err}
			}
		}
		red[i] = reduced{SP: SP, SC: &SC, ldSP: chol.LogDet()}

		// A = rP - rP SC rP, d = rP SC b
		A := subSym(rP, sandwich(rP, &SC))
		var scb, dv mat.VecDense
		scb.MulVec(&SC, u.b)
		dv.MulVec(rP, &scb)

		P.AddSym(P, sandwich(u.Z, A))
		var zd mat.VecDense
		zd.MulVec(u.Z.T(), &dv)
		nu.AddVec(nu, &zd)
	}

	chol, err := cholesky(P, opts.Ridge)
	if err != nil {
		return nil, &NumericalInstabilityError{Stage: "group posterior", Unit: -1, Err: err}
	}
	Cp := mat.NewSymDense(d, nil)
	if err := chol.InverseTo(Cp); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, &NumericalInstabilityError{Stage: "group posterior", Unit: -1, Err: err}
		}
	}
	Ep := mat.NewVecDense(d, nil)
	Ep.MulVec(Cp, nu)

	// Reduced free energy of every unit at the posterior group parameters
	rC, err := inverse(rP, opts.Ridge)
	if err != nil {
		return nil, &NumericalInstabilityError{Stage: "random-effects precision", Unit: -1, Err: err}
	}
	s := &state{Ep: Ep, Cp: Cp, rP: rP, units: make([]UnitPosterior, len(h.units))}
	F := 0.0
	for i, u := range h.units {
		rE := mat.NewVecDense(rows(u.Z), nil)
		rE.MulVec(u.Z, Ep)

		var rPrE, rhs mat.VecDense
		rPrE.MulVec(rP, rE)
		rhs.AddVec(u.b, &rPrE)
		SE := mat.NewVecDense(rE.Len(), nil)
		SE.MulVec(red[i].SC, &rhs)

		dF := u.c + (ldrP-red[i].ldSP)/2 - (quad(rE, rP)-quad(SE, red[i].SP))/2
		F += dF

		s.units[i] = UnitPosterior{RE: rE, RC: rC, SE: SE, SC: red[i].SC, DF: dF}
	}

	// Gaussian integral over the group parameters
	db := mat.NewVecDense(d, nil)
	db.SubVec(Ep, model.BE)
	F += -quad(db, h.bP)/2 + (h.logDetBP-chol.LogDet())/2

	// Hyperprior
	if len(eh) > 0 {
		dh := mat.NewVecDense(len(eh), nil)
		for k := range eh {
			dh.SetVec(k, eh[k]-model.HE.AtVec(k))
		}
		F -= quad(dh, h.hP) / 2
	}

	s.F = F
	return s, nil
}

// derivatives returns the gradient and curvature of the free energy with
// respect to the log precisions by central differences.
func (h *hierarchy) derivatives(f func([]float64) float64, eh []float64) ([]float64, *mat.SymDense, error) {
	g := fd.Gradient(nil, f, eh, &fd.Settings{Formula: fd.Central, Step: h.opts.GradientStep})
	var H mat.SymDense
	fd.Hessian(&H, f, eh, &fd.Settings{Formula: fd.Central, Step: h.opts.HessianStep})

	for i, v := range g {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, nil, &NumericalInstabilityError{Stage: fmt.Sprintf("free energy gradient (hyperparameter %d)", i), Unit: -1, Err: fmt.Errorf("non-finite derivative")}
		}
		for j := range g {
			if x := H.At(i, j); math.IsNaN(x) || math.IsInf(x, 0) {
				return nil, nil, &NumericalInstabilityError{Stage: fmt.Sprintf("free energy curvature (hyperparameter %d)", i), Unit: -1, Err: fmt.Errorf("non-finite derivative")}
			}
		}
	}
	return g, &H, nil
}

// ascentStep returns the damped Gauss-Newton step (-H + lambda I)^-1 g, with
// lambda grown until the system is positive definite, scaled so that no
// hyperparameter moves more than TrustRadius prior standard deviations.
func ascentStep(H *mat.SymDense, g []float64, hC *mat.SymDense, opts EstimationOptions) []float64 {
	k := len(g)
	grad := mat.NewVecDense(k, append([]float64(nil), g...))

	dh := mat.NewVecDense(k, nil)
	solved := false
	lambda := 0.0
	for attempt := 0; attempt < 20 && !solved; attempt++ {
		M := scaleSym(-1, H)
		for i := 0; i < k; i++ {
			M.SetSym(i, i, M.At(i, i)+lambda)
		}
		var chol mat.Cholesky
		if chol.Factorize(M) {
			if err := chol.SolveVecTo(dh, grad); err == nil {
				solved = true
				break
			}
		}
		if lambda == 0 {
			lambda = opts.Ridge * math.Max(1, maxAbsDiag(H))
		} else {
			lambda *= 10
		}
	}
	if !solved {
		// Prior-scaled gradient ascent
		dh.MulVec(hC, grad)
	}

	scale := 1.0
	for i := 0; i < k; i++ {
		limit := opts.TrustRadius * math.Sqrt(hC.At(i, i))
		if a := math.Abs(dh.AtVec(i)); a > limit && a > 0 {
			scale = math.Min(scale, limit/a)
		}
	}
	out := make([]float64, k)
	for i := range out {
		out[i] = scale * dh.AtVec(i)
	}
	return out
}

// negInverse returns (-H)^-1, damping the diagonal until -H is positive definite.
func negInverse(H *mat.SymDense, opts EstimationOptions) (*mat.SymDense, error) {
	M := scaleSym(-1, H)
	lambda := opts.Ridge * math.Max(1, maxAbsDiag(H))
	for attempt := 0; attempt < 20; attempt++ {
		if inv, err := inverse(M, 0); err == nil {
			return inv, nil
		}
		for i := 0; i < M.SymmetricDim(); i++ {
			M.SetSym(i, i, M.At(i, i)+lambda)
		}
		lambda *= 10
	}
	return nil, errNotPositiveDefinite
}
