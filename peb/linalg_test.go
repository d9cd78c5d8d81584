// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

// ============================================================================
// LINEAR ALGEBRA TESTS
// ============================================================================

func TestCholeskyRidgeRetry(t *testing.T) {
	// Slightly indefinite, within reach of the ridge
	a := mat.NewSymDense(2, []float64{1, 1, 1, 1 - 1e-9})
	var plain mat.Cholesky
	require.False(t, plain.Factorize(a))

	chol, err := cholesky(a, 1e-6)
	require.NoError(t, err)
	assert.Equal(t, 2, chol.SymmetricDim())

	inv, err := inverse(a, 1e-6)
	require.NoError(t, err)
	assert.Equal(t, 2, inv.SymmetricDim())

	// The input is left untouched
	assert.Equal(t, 1-1e-9, a.At(1, 1))
}

func TestCholeskyFailsBeyondRidge(t *testing.T) {
	a := diagSym(1, -1)

	_, err := cholesky(a, 1e-6)
	assert.True(t, errors.Is(err, errNotPositiveDefinite))

	_, err = inverse(a, 1e-6)
	assert.Error(t, err)
}
