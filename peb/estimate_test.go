// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"bytes"
	"context"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// ============================================================================
// HIERARCHICAL ESTIMATOR TESTS
// ============================================================================

func TestInvertGroupMean(t *testing.T) {
	engine := New()
	res, units, err := engine.Invert(context.Background(), refsOf(scenarioUnits()), Config{X: ones(3, 1)}, Selector{Indices: []int{0}})
	require.NoError(t, err)

	Ne, Nx := res.Ep.Dims()
	require.Equal(t, 1, Ne)
	require.Equal(t, 1, Nx)

	// Near the average of the unit estimates
	ep := res.Ep.At(0, 0)
	assert.True(t, almostEqual(ep, 1.0, 0.15), "Ep = %f", ep)

	// More certain than any single unit
	assert.Less(t, res.Cp.At(0, 0), 0.1)
	assert.Greater(t, res.Cp.At(0, 0), 0.0)

	assert.Len(t, res.Eh, 1)
	assert.NotNil(t, res.Ch)
	assert.Greater(t, res.Iterations, 0)
	assert.LessOrEqual(t, res.Iterations, 64)
	assert.False(t, math.IsNaN(res.F))
	assert.Equal(t, []string{"s1", "s2", "s3"}, res.UnitLabels)
	assert.Equal(t, []string{"A(1)"}, res.ParameterLabels)
	assert.NotEmpty(t, res.ID)

	// Updated units are pulled together; unselected parameters stay put
	require.Len(t, units, 3)
	spread := units[1].PosteriorMean().AtVec(0) - units[2].PosteriorMean().AtVec(0)
	assert.Greater(t, spread, 0.0)
	assert.Less(t, spread, 0.4)
	assert.Equal(t, 0.0, units[0].PosteriorMean().AtVec(1))
	assert.Equal(t, 0.1, units[0].PosteriorCovariance().At(3, 3))

	// The empirical prior replaces the original one on the selected block
	assert.NotEqual(t, 1.0, units[0].PriorCovariance().Dense().At(0, 0))
	assert.Equal(t, 1.0, units[0].PriorCovariance().Dense().At(1, 1))

	// Inputs are never modified
	assert.Equal(t, 1.0, scenarioUnits()[0].PosteriorMean().AtVec(0))
}

func TestInvertIdempotent(t *testing.T) {
	engine := New()
	cfg := Config{X: ones(3, 1)}
	sel := Selector{Indices: []int{0, 1}}

	a, _, err := engine.Invert(context.Background(), refsOf(scenarioUnits()), cfg, sel)
	require.NoError(t, err)
	b, _, err := engine.Invert(context.Background(), refsOf(scenarioUnits()), cfg, sel)
	require.NoError(t, err)

	assert.True(t, mat.EqualApprox(a.Ep, b.Ep, 1e-12))
	assert.InDeltaSlice(t, a.Eh, b.Eh, 1e-12)
	assert.InDelta(t, a.F, b.F, 1e-9)
	assert.Equal(t, a.Iterations, b.Iterations)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestInvertDegenerateParameter(t *testing.T) {
	means := []float64{1, 1.4, 0.7}
	var units []Unit
	for i, m := range means {
		units = append(units, newUnit("u", []float64{0, 0, 0, 0}, diagSym(1, 2, 0, 3),
			[]float64{m, 0.3 * float64(i), 5, -m}, scaledEye(4, 0.1), -4))
	}

	engine := New(WithEstimation(EstimationOptions{Tolerance: 1e-10, MaxIterations: 256}))
	full, updated, err := engine.Invert(context.Background(), refsOf(units), Config{}, Selector{Indices: []int{0, 1, 2, 3}})
	require.NoError(t, err)
	reduced, _, err := engine.Invert(context.Background(), refsOf(units), Config{}, Selector{Indices: []int{0, 1, 3}})
	require.NoError(t, err)

	assert.Equal(t, 3, full.Model.Effects())
	require.Len(t, full.Warnings, 1)

	// Effects on the shared parameters agree
	for j, k := range []int{0, 1, 3} {
		assert.True(t, almostEqual(full.Ep.At(k, 0), reduced.Ep.At(j, 0), 1e-4),
			"parameter %d: %f vs %f", k, full.Ep.At(k, 0), reduced.Ep.At(j, 0))
	}
	assert.True(t, almostEqual(full.Ep.At(2, 0), 0, 1e-9))
	assert.InDelta(t, reduced.F, full.F, 1e-4)

	// The degenerate parameter of every unit is left alone
	for _, u := range updated {
		assert.True(t, almostEqual(u.PosteriorMean().AtVec(2), 5, 1e-9))
	}
}

func TestInvertSingleUnitMixture(t *testing.T) {
	units := scenarioUnits()[:1]
	W := mat.NewDense(4, 1, []float64{1, 1, 0, 0})

	res, updated, err := New().Invert(context.Background(), refsOf(units), Config{W: W, WithinNames: []string{"A1+A2"}, Components: PolicyAll}, Selector{Fields: []string{AllFields}})
	require.NoError(t, err)

	assert.Equal(t, PolicyNone, res.Model.Policy)
	assert.Empty(t, res.Eh)
	assert.Nil(t, res.Ch)
	assert.Equal(t, 0, res.Iterations)
	assert.Equal(t, []string{"A1+A2"}, res.EffectLabels)
	assert.Equal(t, []string{"Mean"}, res.CovariateNames)
	require.Len(t, updated, 1)
}

func TestInvertRecursiveLabels(t *testing.T) {
	engine := New()
	first, _, err := engine.Invert(context.Background(), refsOf(scenarioUnits()), Config{}, Selector{Indices: []int{0, 1}})
	require.NoError(t, err)
	assert.Equal(t, []string{"Mean: A(1)", "Mean: A(2)"}, first.Labels())

	second, _, err := engine.Invert(context.Background(), []Ref{{Unit: first}}, Config{}, Selector{Fields: []string{AllFields}})
	require.NoError(t, err)

	assert.Equal(t, []string{"Mean: A(1)", "Mean: A(2)"}, second.ParameterLabels)
	assert.Equal(t, []string{"Mean: Mean: A(1)", "Mean: Mean: A(2)"}, second.Labels())

	// A field selection resolves against the covariate layout of the result
	third, _, err := engine.Invert(context.Background(), []Ref{{Unit: first}}, Config{}, Selector{Fields: []string{"Mean"}})
	require.NoError(t, err)
	assert.Equal(t, second.ParameterIndices, third.ParameterIndices)
}

func TestInvertCovariates(t *testing.T) {
	// Group difference on the first parameter
	var units []Unit
	X := mat.NewDense(6, 2, nil)
	for i := 0; i < 6; i++ {
		group := 1.0
		if i >= 3 {
			group = -1
		}
		X.Set(i, 0, 1)
		X.Set(i, 1, group)
		units = append(units, newUnit("u", []float64{0, 0}, scaledEye(2, 1), []float64{1 + 0.5*group, 0}, scaledEye(2, 0.05), -2))
	}

	res, _, err := New().Invert(context.Background(), refsOf(units), Config{X: X, CovariateNames: []string{"Mean", "Group"}}, Selector{Indices: []int{0, 1}})
	require.NoError(t, err)

	Ne, Nx := res.Ep.Dims()
	require.Equal(t, 2, Ne)
	require.Equal(t, 2, Nx)
	assert.True(t, almostEqual(res.Ep.At(0, 0), 1, 0.2), "mean %f", res.Ep.At(0, 0))
	assert.True(t, almostEqual(res.Ep.At(0, 1), 0.5, 0.15), "group %f", res.Ep.At(0, 1))
	assert.Equal(t, 4, res.Cp.SymmetricDim())
	assert.Len(t, res.Labels(), 4)
	assert.Equal(t, "Group: A(2)", res.Labels()[3])
}

func TestEstimateMaxIterations(t *testing.T) {
	sel, red := prepare(t, scenarioUnits(), Selector{Indices: []int{0}})
	model, _, err := Build(Config{}, sel, red, EstimationOptions{})
	require.NoError(t, err)

	var buf bytes.Buffer
	estimator := &HierarchicalEstimator{
		Options: EstimationOptions{MaxIterations: 1, Tolerance: 1e-12},
		Logger:  slog.New(slog.NewTextHandler(&buf, nil)),
	}
	fit, err := estimator.Estimate(context.Background(), red, model)
	require.NoError(t, err)
	assert.Equal(t, 1, fit.Iterations)
	assert.NotNil(t, fit.Ch)
	assert.False(t, math.IsNaN(fit.F))
	assert.Contains(t, buf.String(), "peb maximum iterations reached")
}

func TestEstimateCancelled(t *testing.T) {
	sel, red := prepare(t, scenarioUnits(), Selector{Indices: []int{0}})
	model, _, err := Build(Config{}, sel, red, EstimationOptions{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Estimate(ctx, red, model, EstimationOptions{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAscentStepTrustRegion(t *testing.T) {
	// Flat curvature would give an enormous step
	H := diagSym(-1e-9, -1e-9)
	hC := scaledEye(2, 1.0/16)
	dh := ascentStep(H, []float64{1, -0.5}, hC, EstimationOptions{}.withDefaults())

	limit := 4 * math.Sqrt(1.0/16)
	assert.True(t, almostEqual(math.Abs(dh[0]), limit, 1e-9))
	assert.Greater(t, dh[0], 0.0)
	assert.Less(t, dh[1], 0.0)

	// Non-definite curvature is damped, not rejected
	H = diagSym(2, -1)
	dh = ascentStep(H, []float64{0.1, 0.1}, hC, EstimationOptions{}.withDefaults())
	for _, v := range dh {
		assert.False(t, math.IsNaN(v))
		assert.LessOrEqual(t, math.Abs(v), limit+1e-12)
	}
}
