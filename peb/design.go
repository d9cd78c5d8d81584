// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"errors"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// Default scaling of the third- and second-level prior covariances and of the
// hyperprior covariance
const (
	defaultAlpha = 1.0
	defaultBeta  = 16.0
	defaultHC    = 1.0 / 16
)

// Build resolves cfg into the second-level model of one hierarchy. It is the
// only place where defaults are applied; everything downstream reads the
// returned SecondLevel.
// sel: the parameter selection the reduction was made with
// red: the reduced densities
// Returns: the model, non-fatal warnings, and an error for invalid options
func Build(cfg Config, sel *Selection, red *Reduction, opts EstimationOptions) (*SecondLevel, []error, error) {
	opts = opts.withDefaults()

	Ns := len(red.Units)
	Np := red.Selected()
	q := sel.Indices
	var warnings []error

	// 1. Scaling factors
	alpha := defaultAlpha
	if cfg.Alpha != nil {
		if *cfg.Alpha <= 0 {
			return nil, nil, &ConfigError{Option: "alpha", Reason: "must be positive"}
		}
		alpha = *cfg.Alpha
	}
	beta := defaultBeta
	if cfg.Beta != nil {
		if *cfg.Beta < 0 {
			return nil, nil, &ConfigError{Option: "beta", Reason: "must not be negative"}
		}
		beta = *cfg.Beta
	}
	if beta == 0 && Ns < 2 && cfg.PC.IsZero() {
		return nil, nil, &ConfigError{Option: "beta", Reason: "beta = 0 needs at least two units to estimate a variance"}
	}

	policy := cfg.Components
	if policy == "" {
		policy = PolicyAll
	}

	model := &SecondLevel{Alpha: alpha, Beta: beta}

	// 2. Between- and within-unit designs
	var W *mat.Dense
	var withinNames []string
	if Ns == 1 {
		// No between-unit structure is possible: the design becomes a scalar
		// and W (or a within-unit X) models mixtures of parameters
		model.X = mat.NewDense(1, 1, []float64{1})
		model.CovariateNames = []string{"Mean"}
		switch {
		case cfg.W != nil:
			W, withinNames = cfg.W, cfg.WithinNames
		case cfg.X != nil && rows(cfg.X) == Np:
			W, withinNames = cfg.X, cfg.CovariateNames
		}
		policy = PolicyNone
	} else {
		if cfg.X != nil {
			if r := rows(cfg.X); r != Ns {
				return nil, nil, &ConfigError{Option: "X", Reason: fmt.Sprintf("has %d rows for %d units", r, Ns)}
			}
			model.X = mat.DenseCopyOf(cfg.X)
		} else {
			model.X = ones(Ns, 1)
		}
		model.CovariateNames = covariateNames(cfg.CovariateNames, model.Covariates())
		W, withinNames = cfg.W, cfg.WithinNames
	}

	if W != nil {
		if r := rows(W); r != Np {
			return nil, nil, &ConfigError{Option: "W", Reason: fmt.Sprintf("has %d rows for %d selected parameters", r, Np)}
		}
		var Wr mat.Dense
		Wr.Mul(red.U.T(), W)
		model.W = &Wr
		_, Nw := W.Dims()
		model.Report = identity(Nw)
		model.EffectLabels = make([]string, Nw)
		for j := range model.EffectLabels {
			if j < len(withinNames) && withinNames[j] != "" {
				model.EffectLabels[j] = withinNames[j]
			} else {
				model.EffectLabels[j] = fmt.Sprintf("W%d", j+1)
			}
		}
	} else {
		model.W = identity(red.Rank())
		model.Report = mat.DenseCopyOf(red.U)
		model.EffectLabels = append([]string(nil), sel.Labels...)
	}

	// 3. Third-level prior over the selected parameters
	bE := red.PE
	if cfg.BE != nil {
		v, err := truncateVec(cfg.BE, q, "bE")
		if err != nil {
			return nil, nil, err
		}
		bE = v
	}
	bC := scaleSym(1/alpha, red.PC)
	if !cfg.BC.IsZero() {
		c, err := truncateCov(cfg.BC, q, "bC")
		if err != nil {
			return nil, nil, err
		}
		bC = c
	}

	// 4. Second-level prior covariance and its reduced precision
	switch {
	case !cfg.PC.IsZero():
		c, err := truncateCov(cfg.PC, q, "pC")
		if err != nil {
			return nil, nil, err
		}
		model.PriorCov = c
	case beta == 0:
		model.PriorCov = empiricalVariance(red.Means)
	default:
		model.PriorCov = scaleSym(1/beta, red.PC)
	}
	pQ, err := inverse(projectSym(red.U, model.PriorCov), opts.Ridge)
	if err != nil {
		return nil, nil, &NumericalInstabilityError{Stage: "second-level prior precision", Unit: -1, Err: err}
	}
	model.PQ = pQ

	// 5. Precision components
	Q, names, err := components(policy, cfg.Masks, pQ, red.U, sel)
	var unknown *UnknownComponentPolicyWarning
	switch {
	case errors.As(err, &unknown):
		warnings = append(warnings, err)
		policy = PolicyNone
	case err != nil:
		return nil, nil, err
	}
	model.Policy = policy
	model.Q = Q
	model.ComponentNames = names

	// 6. Prior over the group parameters, one block of Nw per covariate.
	// Only the first covariate has a non-zero prior mean.
	bEr := projectVec(red.U, bE)
	bCr := projectSym(red.U, bC)
	if W != nil {
		P, err := pinv(model.W, opts.RankTolerance)
		if err != nil {
			return nil, nil, &ConfigError{Option: "W", Reason: err.Error()}
		}
		var m mat.VecDense
		m.MulVec(P, bEr)
		bEr = &m
		bCr = sandwich(P.T(), bCr)
	}
	Nx, Nw := model.Covariates(), model.Effects()
	model.BE = mat.NewVecDense(Nx*Nw, nil)
	for k := 0; k < Nw; k++ {
		model.BE.SetVec(k, bEr.AtVec(k))
	}
	blocks := make([]*mat.SymDense, Nx)
	for j := range blocks {
		blocks[j] = bCr
	}
	model.BC = blockDiag(blocks...)

	// 7. Hyperpriors
	if k := len(Q); k > 0 {
		model.HE = mat.NewVecDense(k, nil)
		if cfg.HE != nil {
			if len(cfg.HE) != k {
				return nil, nil, &ConfigError{Option: "hE", Reason: fmt.Sprintf("has %d entries for %d components", len(cfg.HE), k)}
			}
			for i, v := range cfg.HE {
				model.HE.SetVec(i, v)
			}
		}
		if !cfg.HC.IsZero() {
			if cfg.HC.Dim() != k {
				return nil, nil, &ConfigError{Option: "hC", Reason: fmt.Sprintf("has dimension %d for %d components", cfg.HC.Dim(), k)}
			}
			model.HC = cfg.HC.Dense()
		} else {
			model.HC = scaleSym(defaultHC, eye(k))
		}
	}

	return model, warnings, nil
}

// components builds the precision components of the given policy from the
// reduced prior precision pQ. Components that vanish after projection through
// U are dropped. An unknown policy returns *UnknownComponentPolicyWarning.
func components(policy ComponentPolicy, masks [][]bool, pQ *mat.SymDense, U *mat.Dense, sel *Selection) ([]*mat.SymDense, []string, error) {
	Np, _ := U.Dims()

	// Prior precision over the selected parameters
	full := expandSym(U, pQ)

	var groups [][]int
	var names []string
	switch ComponentPolicy(strings.ToLower(string(policy))) {
	case PolicyNone:
		return nil, nil, nil

	case PolicySingle:
		return []*mat.SymDense{pQ}, []string{string(PolicySingle)}, nil

	case PolicyAll:
		for j := 0; j < Np; j++ {
			groups = append(groups, []int{j})
			names = append(names, sel.Labels[j])
		}

	case PolicyFields:
		// Fields in order of first appearance; parameters without a field
		// form their own component
		pos := map[string]int{}
		for j, f := range sel.Fields {
			if f == "" {
				groups = append(groups, []int{j})
				names = append(names, sel.Labels[j])
				continue
			}
			g, ok := pos[f]
			if !ok {
				g = len(groups)
				pos[f] = g
				groups = append(groups, nil)
				names = append(names, f)
			}
			groups[g] = append(groups[g], j)
		}

	case PolicyManual:
		if len(masks) == 0 {
			return nil, nil, &ConfigError{Option: "masks", Reason: "manual components need at least one mask"}
		}
		for m, mask := range masks {
			var g []int
			for j, k := range sel.Indices {
				switch {
				case len(mask) == Np:
					if mask[j] {
						g = append(g, j)
					}
				case len(mask) > k:
					if mask[k] {
						g = append(g, j)
					}
				default:
					return nil, nil, &ConfigError{Option: "masks", Reason: fmt.Sprintf("mask %d has %d entries, need %d or more than %d", m, len(mask), Np, k)}
				}
			}
			groups = append(groups, g)
			names = append(names, fmt.Sprintf("Q%d", m+1))
		}

	default:
		return nil, nil, &UnknownComponentPolicyWarning{Policy: string(policy)}
	}

	tol := 1e-12 * maxAbsDiag(pQ)
	var Q []*mat.SymDense
	var kept []string
	for g, idx := range groups {
		if len(idx) == 0 {
			continue
		}
		block := mat.NewSymDense(Np, nil)
		for _, a := range idx {
			for _, b := range idx {
				if a <= b {
					block.SetSym(a, b, full.At(a, b))
				}
			}
		}
		Qg := projectSym(U, block)
		if isZero(Qg, tol) {
			continue
		}
		Q = append(Q, Qg)
		kept = append(kept, names[g])
	}
	return Q, kept, nil
}

// empiricalVariance returns a diagonal covariance holding the sample variance
// of every parameter across the posterior means.
func empiricalVariance(means []*mat.VecDense) *mat.SymDense {
	Np := means[0].Len()
	out := mat.NewSymDense(Np, nil)
	x := make([]float64, len(means))
	for j := 0; j < Np; j++ {
		for i, m := range means {
			x[i] = m.AtVec(j)
		}
		out.SetSym(j, j, stat.Variance(x, nil))
	}
	return out
}

// truncateVec accepts a vector over the selected parameters or over the full
// parameter vector, which is then restricted to q.
func truncateVec(v *mat.VecDense, q []int, option string) (*mat.VecDense, error) {
	switch n := v.Len(); {
	case n == len(q):
		return mat.VecDenseCopyOf(v), nil
	case n > maxIndex(q):
		return subvector(v, q), nil
	default:
		return nil, &ConfigError{Option: option, Reason: fmt.Sprintf("has %d entries for %d selected parameters", n, len(q))}
	}
}

// truncateCov materializes c and restricts it to q when it covers the full
// parameter vector.
func truncateCov(c Covariance, q []int, option string) (*mat.SymDense, error) {
	switch n := c.Dim(); {
	case n == len(q):
		return c.Dense(), nil
	case n > maxIndex(q):
		return submatrix(c.Dense(), q), nil
	default:
		return nil, &ConfigError{Option: option, Reason: fmt.Sprintf("has dimension %d for %d selected parameters", n, len(q))}
	}
}

// covariateNames pads the given names with "Covariate <j>" up to Nx.
func covariateNames(given []string, Nx int) []string {
	names := make([]string, Nx)
	for j := range names {
		switch {
		case j < len(given) && given[j] != "":
			names[j] = given[j]
		case j == 0:
			names[j] = "Mean"
		default:
			names[j] = fmt.Sprintf("Covariate %d", j+1)
		}
	}
	return names
}

func ones(r, c int) *mat.Dense {
	data := make([]float64, r*c)
	for i := range data {
		data[i] = 1
	}
	return mat.NewDense(r, c, data)
}

func rows(m mat.Matrix) int {
	r, _ := m.Dims()
	return r
}

func maxIndex(q []int) int {
	m := -1
	for _, k := range q {
		if k > m {
			m = k
		}
	}
	return m
}
