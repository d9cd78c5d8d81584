// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pebengine/peb"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, []string{peb.AllFields}, cfg.Select.Fields)
	assert.Equal(t, string(peb.PolicyAll), cfg.SecondLevel.Components)
	assert.Equal(t, 64, cfg.Estimator.MaxIterations)
	assert.True(t, cfg.Output.Summary)
	assert.Error(t, cfg.Validate())
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "run.yaml", `
units_dir: units
units: [sub-01, sub-02, sub-03]
select:
  fields: [A]
second_level:
  x:
    - [1, 0.5]
    - [1, -0.5]
    - [1, 0]
  covariate_names: [Mean, Age]
  beta: 0
  p_var: [1, 2]
  components: fields
estimator:
  tolerance: 0.001
workers: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "units"), cfg.UnitsDir)
	assert.Equal(t, []string{"sub-01", "sub-02", "sub-03"}, cfg.Input())
	assert.Equal(t, []string{"A"}, cfg.Selector().Fields)
	assert.Equal(t, 2, cfg.Workers)

	// Unset sections keep their defaults
	assert.Equal(t, "peb-out", cfg.Output.Dir)
	opts := cfg.EstimationOptions()
	assert.Equal(t, 64, opts.MaxIterations)
	assert.Equal(t, 0.001, opts.Tolerance)

	second, err := cfg.PEB()
	require.NoError(t, err)
	r, c := second.X.Dims()
	assert.Equal(t, 3, r)
	assert.Equal(t, 2, c)
	assert.Equal(t, -0.5, second.X.At(1, 1))
	require.NotNil(t, second.Beta)
	assert.Equal(t, 0.0, *second.Beta)
	assert.Nil(t, second.Alpha)
	assert.True(t, second.PC.IsDiagonal())
	assert.Equal(t, 2.0, second.PC.Dense().At(1, 1))
	assert.True(t, second.BC.IsZero())
	assert.Equal(t, peb.PolicyFields, second.Components)
}

func TestLoadColumns(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "run.yaml", `
units_dir: /data/units
columns:
  - [s1-m1, s1-m2]
  - [s2-m1, s2-m2]
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/data/units", cfg.UnitsDir)
	assert.Equal(t, [][]string{{"s1-m1", "s1-m2"}, {"s2-m1", "s2-m2"}}, cfg.Input())
}

func TestLoadErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, dir, "bad.yaml", "units: [a, b"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, dir, "both.yaml", "units: [a]\ncolumns: [[a]]\n"))
	assert.Error(t, err)

	cfg, err := Load(writeFile(t, dir, "ragged.yaml", "units: [a]\nsecond_level:\n  x: [[1, 2], [1]]\n"))
	require.NoError(t, err)
	_, err = cfg.PEB()
	assert.Error(t, err)

	// Empty rows are reported, not passed to the matrix constructor
	for _, key := range []string{"x", "w", "b_cov", "p_cov", "h_cov"} {
		cfg, err = Load(writeFile(t, dir, key+".yaml", "units: [a, b]\nsecond_level:\n  "+key+": [[]]\n"))
		require.NoError(t, err)
		_, err = cfg.PEB()
		require.Error(t, err, key)
		assert.Contains(t, err.Error(), "row 1 is empty", key)
	}

	cfg, err = Load(writeFile(t, dir, "square.yaml", "units: [a]\nsecond_level:\n  h_cov: [[1, 0]]\n"))
	require.NoError(t, err)
	_, err = cfg.PEB()
	assert.Error(t, err)
}
