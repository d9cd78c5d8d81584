// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
)

// Converter turns caller-specific input into units. It is tried first on
// every Invoke and its failure is ignored.
type Converter interface {
	Convert(v any) ([]Unit, error)
}

// Engine runs hierarchical inversions. It holds no mutable state after New
// and is safe for concurrent use.
type Engine struct {
	logger    *slog.Logger
	source    UnitSource
	converter Converter
	resolver  FieldResolver
	opts      EstimationOptions
	metrics   *Metrics
	workers   int
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithSource sets where units referenced by ID are loaded from.
func WithSource(s UnitSource) Option { return func(e *Engine) { e.source = s } }

// WithConverter sets the input converter tried by Invoke.
func WithConverter(c Converter) Option { return func(e *Engine) { e.converter = c } }

// WithResolver sets the field resolver. Defaults to LayoutResolver.
func WithResolver(r FieldResolver) Option { return func(e *Engine) { e.resolver = r } }

// WithEstimation sets the numerical options of the reducer and estimator.
func WithEstimation(o EstimationOptions) Option { return func(e *Engine) { e.opts = o } }

// WithMetrics records every inversion in m.
func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithWorkers bounds the number of columns inverted at once. Defaults to runtime.NumCPU().
func WithWorkers(n int) Option { return func(e *Engine) { e.workers = n } }

// New returns an engine with the given options applied.
func New(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	if e.resolver == nil {
		e.resolver = LayoutResolver{}
	}
	if e.workers <= 0 {
		e.workers = runtime.NumCPU()
	}
	e.opts = e.opts.withDefaults()
	return e
}

// Invert runs one hierarchy end to end: extraction, selection, rank
// reduction, second-level model building, estimation and back-substitution.
// refs: the first-level units, in order
// cfg: second-level configuration
// sel: the parameters to analyze
// Returns: the group result and the units updated under the empirical prior
func (e *Engine) Invert(ctx context.Context, refs []Ref, cfg Config, sel Selector) (*Result, []Unit, error) {
	start := time.Now()
	res, units, err := e.invert(ctx, e.logger.With("run", uuid.NewString()), refs, cfg, sel)
	iterations := 0
	if res != nil {
		iterations = res.Iterations
	}
	e.metrics.observe(err, iterations, time.Since(start))
	return res, units, err
}

func (e *Engine) invert(ctx context.Context, logger *slog.Logger, refs []Ref, cfg Config, sel Selector) (*Result, []Unit, error) {
	// 1. Densities of every unit
	dens, err := Extract(ctx, refs, e.source)
	if err != nil {
		return nil, nil, err
	}

	// 2. Parameters, resolved against the first unit
	selection, err := Select(dens[0].Unit, sel, e.resolver)
	if err != nil {
		return nil, nil, err
	}

	// 3. Rank reduction
	red, err := Reduce(dens, selection.Indices, e.opts)
	if err != nil {
		return nil, nil, err
	}

	// 4. Second-level model
	model, buildWarnings, err := Build(cfg, selection, red, e.opts)
	if err != nil {
		return nil, nil, err
	}
	warnings := append(append([]error(nil), red.Warnings...), buildWarnings...)
	for _, w := range warnings {
		logger.Warn("peb warning", "warning", w)
	}

	// 5. Estimation
	estimator := &HierarchicalEstimator{Options: e.opts, Logger: logger}
	fit, err := estimator.Estimate(ctx, red, model)
	if err != nil {
		return nil, nil, err
	}

	// 6. Reporting and back-substitution
	res := newResult(selection, red, model, fit, warnings)
	units := updateUnits(dens, selection.Indices, red, fit)

	logger.Info("peb inversion complete",
		"units", len(dens),
		"parameters", len(selection.Indices),
		"rank", red.Rank(),
		"components", len(model.Q),
		"iterations", fit.Iterations,
		"F", fit.F,
	)
	return res, units, nil
}

// Invoke accepts the input shapes a caller is likely to hold. Flat inputs
// ([]Unit, []Ref, []string of IDs, or a single Unit) run one hierarchy and
// return its error directly; grids ([][]Unit, [][]Ref, [][]string, rows are
// units and columns are hierarchies) go through InvertColumns and report
// failures per column.
func (e *Engine) Invoke(ctx context.Context, input any, cfg Config, sel Selector) ([]ColumnResult, error) {
	if e.converter != nil {
		if units, err := e.converter.Convert(input); err == nil {
			input = units
		}
	}

	var refs []Ref
	switch v := input.(type) {
	case []Unit:
		refs = unitRefs(v)
	case []Ref:
		refs = v
	case []string:
		refs = idRefs(v)
	case Unit:
		refs = []Ref{{Unit: v}}
	case [][]Unit:
		grid := make([][]Ref, len(v))
		for i, row := range v {
			grid[i] = unitRefs(row)
		}
		return e.InvertColumns(ctx, grid, cfg, sel), nil
	case [][]Ref:
		return e.InvertColumns(ctx, v, cfg, sel), nil
	case [][]string:
		grid := make([][]Ref, len(v))
		for i, row := range v {
			grid[i] = idRefs(row)
		}
		return e.InvertColumns(ctx, grid, cfg, sel), nil
	default:
		return nil, fmt.Errorf("unsupported input type %T", input)
	}

	res, units, err := e.Invert(ctx, refs, cfg, sel)
	return []ColumnResult{{Column: 0, Result: res, Units: units, Err: err}}, err
}

func unitRefs(units []Unit) []Ref {
	refs := make([]Ref, len(units))
	for i, u := range units {
		refs[i] = Ref{Unit: u}
	}
	return refs
}

func idRefs(ids []string) []Ref {
	refs := make([]Ref, len(ids))
	for i, id := range ids {
		refs[i] = Ref{ID: id}
	}
	return refs
}
