// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const unitTemplate = `name: %s
fields:
  - name: A
    rows: 2
prior_mean: [0, 0]
prior_var: [1, 1]
post_mean: [%s, 0.1]
post_cov: [[0.1, 0], [0, 0.1]]
F: -3
`

func writeRun(t *testing.T, extra string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	units := filepath.Join(dir, "units")
	require.NoError(t, os.MkdirAll(units, 0o755))
	for name, mean := range map[string]string{"s1": "1.0", "s2": "1.2", "s3": "0.8"} {
		body := strings.Replace(strings.Replace(unitTemplate, "%s", name, 1), "%s", mean, 1)
		require.NoError(t, os.WriteFile(filepath.Join(units, name+".yaml"), []byte(body), 0o644))
	}

	run := "units_dir: units\nunits: [s1, s2, s3]\nselect:\n  fields: [A]\n" + extra
	path := filepath.Join(dir, "run.yaml")
	require.NoError(t, os.WriteFile(path, []byte(run), 0o644))
	return dir, path
}

func TestInvertCommand(t *testing.T) {
	dir, path := writeRun(t, "output:\n  write_units: true\n")
	out := filepath.Join(dir, "out")
	metrics := filepath.Join(dir, "metrics.prom")

	var stdout, stderr bytes.Buffer
	code := RunContext(context.Background(), []string{"invert", "--config", path, "--out", out, "--metrics", metrics}, &stdout, &stderr)
	require.Equal(t, 0, code, stderr.String())

	for _, name := range []string{"group_effects.csv", "components.csv", "units.csv", "result.yaml", "unit_1.yaml"} {
		assert.FileExists(t, filepath.Join(out, name))
	}
	assert.Contains(t, stdout.String(), "Parametric Empirical Bayes Summary")

	prom, err := os.ReadFile(metrics)
	require.NoError(t, err)
	assert.Contains(t, string(prom), `peb_inversions_total{status="ok"} 1`)
}

func TestInvertCommandColumns(t *testing.T) {
	dir, path := writeRun(t, "")
	run := "units_dir: units\ncolumns: [[s1, s1], [s2, s2], [s3, missing]]\noutput:\n  summary: false\n"
	require.NoError(t, os.WriteFile(path, []byte(run), 0o644))
	out := filepath.Join(dir, "out")

	var stdout, stderr bytes.Buffer
	code := RunContext(context.Background(), []string{"invert", "-c", path, "-o", out}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "column 1 failed")
	assert.FileExists(t, filepath.Join(out, "column_1", "group_effects.csv"))
	assert.NoFileExists(t, filepath.Join(out, "column_2", "group_effects.csv"))
}

func TestInvertCommandErrors(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := RunContext(context.Background(), []string{"invert", "--config", filepath.Join(t.TempDir(), "none.yaml")}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "error:")

	_, path := writeRun(t, "")
	stderr.Reset()
	code = RunContext(context.Background(), []string{"invert", "--config", path, "--log-level", "loud"}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stderr.String(), "unknown log level")
}

func TestVersionCommand(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := RunContext(context.Background(), []string{"version"}, &stdout, &stderr)
	assert.Equal(t, 0, code)
	assert.Equal(t, "peb "+Version+"\n", stdout.String())
}
