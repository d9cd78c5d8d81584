// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// ============================================================================
// RANK REDUCER TESTS
// ============================================================================

func extractAll(t *testing.T, units []Unit) []Density {
	t.Helper()
	dens, err := Extract(context.Background(), refsOf(units), nil)
	require.NoError(t, err)
	return dens
}

func TestReduceOrthonormalBasis(t *testing.T) {
	// Correlated prior so the basis is not trivially the identity
	pC := mat.NewSymDense(3, []float64{
		2, 1, 0,
		1, 2, 1,
		0, 1, 2,
	})
	var units []Unit
	for i := 0; i < 4; i++ {
		units = append(units, newUnit("u", []float64{0, 0, 0}, pC, []float64{float64(i), 1, -1}, scaledEye(3, 0.2), 0))
	}

	red, err := Reduce(extractAll(t, units), []int{0, 1, 2}, EstimationOptions{})
	require.NoError(t, err)

	r := red.Rank()
	assert.LessOrEqual(t, r, red.Selected())
	var UtU mat.Dense
	UtU.Mul(red.U.T(), red.U)
	for i := 0; i < r; i++ {
		for j := 0; j < r; j++ {
			want := 0.0
			if i == j {
				want = 1
			}
			assert.True(t, almostEqual(UtU.At(i, j), want, 1e-10), "U'U(%d,%d) = %f", i, j, UtU.At(i, j))
		}
	}
}

func TestReduceRankDeficient(t *testing.T) {
	var units []Unit
	for i := 0; i < 3; i++ {
		units = append(units, newUnit("u", []float64{0, 0, 0, 0}, diagSym(1, 2, 0, 3), []float64{1, 0, 0, 0}, scaledEye(4, 0.1), 0))
	}

	red, err := Reduce(extractAll(t, units), []int{0, 1, 2, 3}, EstimationOptions{})
	require.NoError(t, err)
	assert.Equal(t, 3, red.Rank())

	require.Len(t, red.Warnings, 1)
	var warn *RankDeficiencyWarning
	require.True(t, errors.As(red.Warnings[0], &warn))
	assert.Equal(t, 4, warn.Selected)
	assert.Equal(t, 3, warn.Rank)

	// The degenerate parameter is orthogonal to the basis
	for j := 0; j < red.Rank(); j++ {
		assert.True(t, almostEqual(red.U.At(2, j), 0, 1e-9))
	}
}

func TestReducePermutationInvariance(t *testing.T) {
	units := scenarioUnits()
	permuted := []Unit{units[2], units[0], units[1]}

	a, err := Reduce(extractAll(t, units), []int{0, 1}, EstimationOptions{})
	require.NoError(t, err)
	b, err := Reduce(extractAll(t, permuted), []int{0, 1}, EstimationOptions{})
	require.NoError(t, err)

	assert.True(t, mat.EqualApprox(a.PE, b.PE, 1e-12))
	assert.True(t, mat.EqualApprox(a.PC, b.PC, 1e-12))
	assert.True(t, mat.EqualApprox(a.U, b.U, 1e-12))
}

func TestReduceShrinkage(t *testing.T) {
	dens := extractAll(t, scenarioUnits())

	red, err := Reduce(dens, []int{0}, EstimationOptions{})
	require.NoError(t, err)

	// inv(1/0.1 + 1/16)
	want := 1 / (10 + 1.0/16)
	for _, u := range red.Units {
		assert.True(t, almostEqual(u.QC.At(0, 0), want, 1e-12))
	}

	// A single unit keeps its posterior covariance and an identity basis
	single, err := Reduce(dens[:1], []int{0, 1}, EstimationOptions{})
	require.NoError(t, err)
	assert.True(t, mat.Equal(single.U, identity(2)))
	assert.True(t, almostEqual(single.Units[0].QC.At(0, 0), 0.1, 1e-15))
}

func TestReduceEmpty(t *testing.T) {
	_, err := Reduce(nil, []int{0}, EstimationOptions{})
	assert.ErrorIs(t, err, ErrEmptyHierarchy)
}
