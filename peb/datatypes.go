// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// Unit is anything that carries a Gaussian prior and posterior over a flattened
// parameter vector together with a log evidence. First-level fits and previous
// PEB results both qualify.
type Unit interface {
	// Prior expectation, length n
	PriorMean() *mat.VecDense
	// Prior covariance, n x n
	PriorCovariance() Covariance
	// Posterior expectation, length n
	PosteriorMean() *mat.VecDense
	// Posterior covariance, n x n
	PosteriorCovariance() *mat.SymDense
	// Free energy approximation to the log evidence
	Evidence() float64
}

// Structured is implemented by units whose parameter vector has named fields.
type Structured interface {
	Layout() Layout
}

// Labeled is implemented by units that already know the label of every
// flattened parameter.
type Labeled interface {
	Labels() []string
}

// Named is implemented by units that carry a display name.
type Named interface {
	Name() string
}

// Covariance is either a dense matrix or a diagonal given as a vector.
// It is materialized to a dense matrix once, at ingestion.
type Covariance struct {
	dense *mat.SymDense
	diag  []float64
}

// DenseCovariance wraps a full covariance matrix.
func DenseCovariance(m *mat.SymDense) Covariance { return Covariance{dense: m} }

// DiagonalCovariance wraps the variances of a diagonal covariance.
func DiagonalCovariance(v []float64) Covariance {
	d := make([]float64, len(v))
	copy(d, v)
	return Covariance{diag: d}
}

// IsZero reports whether no covariance was supplied.
func (c Covariance) IsZero() bool { return c.dense == nil && c.diag == nil }

// IsDiagonal reports whether the covariance was supplied as a diagonal structure.
func (c Covariance) IsDiagonal() bool { return c.dense == nil && c.diag != nil }

// Dim returns the dimension, 0 if unset.
func (c Covariance) Dim() int {
	if c.dense != nil {
		return c.dense.SymmetricDim()
	}
	return len(c.diag)
}

// Dense returns a fresh dense copy of the covariance.
func (c Covariance) Dense() *mat.SymDense {
	n := c.Dim()
	if n == 0 {
		return nil
	}
	out := mat.NewSymDense(n, nil)
	if c.dense != nil {
		out.CopySym(c.dense)
		return out
	}
	for i, v := range c.diag {
		out.SetSym(i, i, v)
	}
	return out
}

// Field is one named block of the flattened parameter vector. Matrices are
// flattened column by column.
type Field struct {
	Name string `yaml:"name"`
	Rows int    `yaml:"rows"`
	Cols int    `yaml:"cols"`
}

// Size returns the number of parameters in the field.
func (f Field) Size() int {
	r, c := f.Rows, f.Cols
	if r <= 0 {
		r = 1
	}
	if c <= 0 {
		c = 1
	}
	return r * c
}

// Label returns the display label of the parameter at offset k inside the field:
// "A" for scalars, "A(3)" for vectors and "A(2,1)" for matrices (1-based).
func (f Field) Label(k int) string {
	switch {
	case f.Size() == 1:
		return f.Name
	case f.Cols <= 1:
		return fmt.Sprintf("%s(%d)", f.Name, k+1)
	default:
		rows := f.Rows
		if rows <= 0 {
			rows = 1
		}
		return fmt.Sprintf("%s(%d,%d)", f.Name, k%rows+1, k/rows+1)
	}
}

// Layout is the ordered list of fields making up a flattened parameter vector.
type Layout []Field

// Size returns the total number of flattened parameters.
func (l Layout) Size() int {
	n := 0
	for _, f := range l {
		n += f.Size()
	}
	return n
}

// Model is a first-level unit summary. It is treated as read-only; updated
// posteriors are returned as new Models.
type Model struct {
	Label  string
	Fields Layout

	PriorE *mat.VecDense
	PriorC Covariance
	PostE  *mat.VecDense
	PostC  *mat.SymDense

	// Log evidence (free energy)
	F float64
}

// Returns the prior mean
func (m *Model) PriorMean() *mat.VecDense { return m.PriorE }

// Returns the prior covariance
func (m *Model) PriorCovariance() Covariance { return m.PriorC }

// Returns the posterior mean
func (m *Model) PosteriorMean() *mat.VecDense { return m.PostE }

// Returns the posterior covariance
func (m *Model) PosteriorCovariance() *mat.SymDense { return m.PostC }

// Returns the log evidence
func (m *Model) Evidence() float64 { return m.F }

// Returns the parameter layout
func (m *Model) Layout() Layout { return m.Fields }

// Returns the unit label
func (m *Model) Name() string { return m.Label }

// Clone returns a deep copy of the model.
func (m *Model) Clone() *Model {
	out := &Model{
		Label:  m.Label,
		Fields: append(Layout(nil), m.Fields...),
		F:      m.F,
	}
	if m.PriorE != nil {
		out.PriorE = mat.VecDenseCopyOf(m.PriorE)
	}
	if !m.PriorC.IsZero() {
		out.PriorC = DenseCovariance(m.PriorC.Dense())
	}
	if m.PostE != nil {
		out.PostE = mat.VecDenseCopyOf(m.PostE)
	}
	if m.PostC != nil {
		out.PostC = mat.NewSymDense(m.PostC.SymmetricDim(), nil)
		out.PostC.CopySym(m.PostC)
	}
	return out
}

// Ref points at a unit, either held in memory or loaded on demand by ID.
type Ref struct {
	Unit Unit
	ID   string
}

// Density holds the densities extracted from one unit, with the prior
// covariance materialized.
type Density struct {
	Label string
	PE    *mat.VecDense
	PC    *mat.SymDense
	QE    *mat.VecDense
	QC    *mat.SymDense
	F     float64
	Unit  Unit
}

// AllFields selects every field of the representative unit.
const AllFields = "all"

// Selector chooses the parameters analyzed at the second level, either by
// field name or by explicit flattened index. Indices win when both are set.
type Selector struct {
	Fields  []string
	Indices []int
}

// Selection is the resolved parameter index set q with one label per index.
type Selection struct {
	Indices []int
	Labels  []string
	// Owning field of each index, "" when the unit has no structure
	Fields []string
}

// ComponentPolicy chooses how second-level precision components are built.
type ComponentPolicy string

// Covariance component policies
const (
	PolicySingle ComponentPolicy = "single"
	PolicyFields ComponentPolicy = "fields"
	PolicyAll    ComponentPolicy = "all"
	PolicyNone   ComponentPolicy = "none"
	PolicyManual ComponentPolicy = "manual"
)

// Config is the caller-facing second-level configuration. Every field is
// optional; Build resolves it into an immutable SecondLevel.
type Config struct {
	// Between-unit design, Ns x Nx (default: a column of ones)
	X              *mat.Dense
	CovariateNames []string

	// Within-unit design over the selected parameters, Np x Nw (default: identity)
	W           *mat.Dense
	WithinNames []string

	// Scaling of the default third-level (Alpha) and second-level (Beta) prior
	// covariances. Pointers so that an explicit Beta of 0 can be told apart from unset.
	Alpha *float64
	Beta  *float64

	// Explicit third-level prior and second-level prior covariance
	BE *mat.VecDense
	BC Covariance
	PC Covariance

	Components ComponentPolicy
	// Binary masks over the selected (or all) parameters, one per manual component
	Masks [][]bool

	// Hyperpriors on the log precisions
	HE []float64
	HC Covariance
}

// EstimationOptions holds the numerical constants of the rank reducer and the
// hierarchical estimator. Zero fields take their defaults.
type EstimationOptions struct {
	// Iteration cap of the ascent (default 64)
	MaxIterations int
	// Stop when the free energy improves by less than this (default 1e-4)
	Tolerance float64
	// A step is accepted unless it lowers the free energy by more than this (default 1e-8)
	AcceptTolerance float64
	// Largest step per hyperparameter, in prior standard deviations (default 4)
	TrustRadius float64
	// Step halvings tried before giving up on an iteration (default 8)
	MaxHalvings int
	// Relative diagonal loading used to repair non-positive-definite matrices (default 1e-6)
	Ridge float64
	// Relative singular value threshold of the reduced basis (default 1e-6)
	RankTolerance float64
	// Posterior covariance shrinkage divisor applied when Ns > 1 (default 16)
	ShrinkFactor float64
	// Finite difference steps for the gradient and curvature (defaults 1e-4, 1e-3)
	GradientStep float64
	HessianStep  float64
}

// withDefaults fills every unset option.
func (o EstimationOptions) withDefaults() EstimationOptions {
	if o.MaxIterations <= 0 {
		o.MaxIterations = 64
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 1e-4
	}
	if o.AcceptTolerance <= 0 {
		o.AcceptTolerance = 1e-8
	}
	if o.TrustRadius <= 0 {
		o.TrustRadius = 4
	}
	if o.MaxHalvings <= 0 {
		o.MaxHalvings = 8
	}
	if o.Ridge <= 0 {
		o.Ridge = 1e-6
	}
	if o.RankTolerance <= 0 {
		o.RankTolerance = 1e-6
	}
	if o.ShrinkFactor <= 0 {
		o.ShrinkFactor = 16
	}
	if o.GradientStep <= 0 {
		o.GradientStep = 1e-4
	}
	if o.HessianStep <= 0 {
		o.HessianStep = 1e-3
	}
	return o
}

// Reduction holds the selected, rank-reduced densities of every unit.
type Reduction struct {
	// Orthonormal basis, Np x r
	U *mat.Dense
	// Across-unit mean prior over the selected parameters (unreduced)
	PE *mat.VecDense
	PC *mat.SymDense
	// Selected posterior means before projection, used for the empirical variance
	Means []*mat.VecDense
	// Reduced densities, one per unit
	Units []ReducedUnit

	Warnings []error
}

// ReducedUnit is one unit's selected densities in the reduced space.
type ReducedUnit struct {
	Label string
	PE    *mat.VecDense
	PC    *mat.SymDense
	QE    *mat.VecDense
	QC    *mat.SymDense
	F     float64
}

// Rank returns r, the dimension of the reduced space.
func (r *Reduction) Rank() int {
	_, c := r.U.Dims()
	return c
}

// Selected returns Np.
func (r *Reduction) Selected() int {
	n, _ := r.U.Dims()
	return n
}

// SecondLevel is the fully resolved group model. It is built once per
// inversion and never modified.
type SecondLevel struct {
	// Between-unit design, Ns x Nx
	X              *mat.Dense
	CovariateNames []string

	// Within-unit design in the reduced space, r x Nw
	W *mat.Dense
	// Maps a covariate's Nw coefficients to the reported space, Ne x Nw
	Report       *mat.Dense
	EffectLabels []string

	// Second-level prior covariance over the selected parameters and its
	// reduced precision
	PriorCov *mat.SymDense
	PQ       *mat.SymDense

	Policy         ComponentPolicy
	Q              []*mat.SymDense
	ComponentNames []string

	// Third-level prior over the Nx*Nw group parameters
	BE *mat.VecDense
	BC *mat.SymDense

	// Hyperpriors, nil when there are no components
	HE *mat.VecDense
	HC *mat.SymDense

	Alpha float64
	Beta  float64
}

// Covariates returns Nx.
func (s *SecondLevel) Covariates() int {
	_, c := s.X.Dims()
	return c
}

// Effects returns Nw.
func (s *SecondLevel) Effects() int {
	_, c := s.W.Dims()
	return c
}

// ColumnResult is the outcome of one hierarchy in a multi-model inversion.
type ColumnResult struct {
	Column int
	Result *Result
	Units  []Unit
	Err    error
}
