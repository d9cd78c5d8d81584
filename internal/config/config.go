// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

// Package config reads PEB run files.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
	"gopkg.in/yaml.v3"

	"pebengine/peb"
)

// Config is one run: which units to invert and how.
type Config struct {
	// Directory the unit files are read from, relative to the run file
	UnitsDir string `yaml:"units_dir"`
	// One hierarchy of unit IDs
	Units []string `yaml:"units,omitempty"`
	// Several hierarchies: rows are units, columns are hierarchies
	Columns [][]string `yaml:"columns,omitempty"`

	Select      SelectConfig      `yaml:"select"`
	SecondLevel SecondLevelConfig `yaml:"second_level"`
	Estimator   EstimatorConfig   `yaml:"estimator"`
	Output      OutputConfig      `yaml:"output"`

	// Columns inverted at once, 0 for one per CPU
	Workers int `yaml:"workers"`
}

// SelectConfig chooses the second-level parameters.
type SelectConfig struct {
	Fields  []string `yaml:"fields,omitempty"`
	Indices []int    `yaml:"indices,omitempty"`
}

// SecondLevelConfig mirrors peb.Config. Covariances can be given in full
// (*_cov) or as variances (*_var).
type SecondLevelConfig struct {
	X              [][]float64 `yaml:"x,omitempty"`
	CovariateNames []string    `yaml:"covariate_names,omitempty"`
	W              [][]float64 `yaml:"w,omitempty"`
	WithinNames    []string    `yaml:"within_names,omitempty"`

	Alpha *float64 `yaml:"alpha,omitempty"`
	Beta  *float64 `yaml:"beta,omitempty"`

	BE   []float64   `yaml:"b_e,omitempty"`
	BCov [][]float64 `yaml:"b_cov,omitempty"`
	BVar []float64   `yaml:"b_var,omitempty"`
	PCov [][]float64 `yaml:"p_cov,omitempty"`
	PVar []float64   `yaml:"p_var,omitempty"`

	Components string   `yaml:"components,omitempty"`
	Masks      [][]bool `yaml:"masks,omitempty"`

	HE   []float64   `yaml:"h_e,omitempty"`
	HCov [][]float64 `yaml:"h_cov,omitempty"`
	HVar []float64   `yaml:"h_var,omitempty"`
}

// EstimatorConfig mirrors peb.EstimationOptions; zero values take the defaults.
type EstimatorConfig struct {
	MaxIterations   int     `yaml:"max_iterations"`
	Tolerance       float64 `yaml:"tolerance"`
	AcceptTolerance float64 `yaml:"accept_tolerance"`
	TrustRadius     float64 `yaml:"trust_radius"`
	MaxHalvings     int     `yaml:"max_halvings"`
	Ridge           float64 `yaml:"ridge"`
	RankTolerance   float64 `yaml:"rank_tolerance"`
	ShrinkFactor    float64 `yaml:"shrink_factor"`
	GradientStep    float64 `yaml:"gradient_step"`
	HessianStep     float64 `yaml:"hessian_step"`
}

// OutputConfig says where results go.
type OutputConfig struct {
	Dir string `yaml:"dir"`
	// Write the updated units as unit files next to the CSVs
	WriteUnits bool `yaml:"write_units"`
	// Print the summary table
	Summary bool `yaml:"summary"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		UnitsDir: ".",
		Select: SelectConfig{
			Fields: []string{peb.AllFields},
		},
		SecondLevel: SecondLevelConfig{
			Components: string(peb.PolicyAll),
		},
		Estimator: EstimatorConfig{
			MaxIterations: 64,
		},
		Output: OutputConfig{
			Dir:     "peb-out",
			Summary: true,
		},
	}
}

// Load loads configuration from a file. Unit paths are resolved relative to it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if !filepath.IsAbs(cfg.UnitsDir) {
		cfg.UnitsDir = filepath.Join(filepath.Dir(path), cfg.UnitsDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the parts of the run file that peb cannot.
func (c *Config) Validate() error {
	if len(c.Units) == 0 && len(c.Columns) == 0 {
		return fmt.Errorf("config: one of units or columns is required")
	}
	if len(c.Units) > 0 && len(c.Columns) > 0 {
		return fmt.Errorf("config: units and columns are mutually exclusive")
	}
	if c.Workers < 0 {
		return fmt.Errorf("config: workers must not be negative")
	}
	return nil
}

// Input returns the units to invert as []string (one hierarchy) or
// [][]string (a grid of hierarchies).
func (c *Config) Input() any {
	if len(c.Columns) > 0 {
		return c.Columns
	}
	return c.Units
}

// Selector converts the select section.
func (c *Config) Selector() peb.Selector {
	return peb.Selector{
		Fields:  append([]string(nil), c.Select.Fields...),
		Indices: append([]int(nil), c.Select.Indices...),
	}
}

// EstimationOptions converts the estimator section.
func (c *Config) EstimationOptions() peb.EstimationOptions {
	e := c.Estimator
	return peb.EstimationOptions{
		MaxIterations:   e.MaxIterations,
		Tolerance:       e.Tolerance,
		AcceptTolerance: e.AcceptTolerance,
		TrustRadius:     e.TrustRadius,
		MaxHalvings:     e.MaxHalvings,
		Ridge:           e.Ridge,
		RankTolerance:   e.RankTolerance,
		ShrinkFactor:    e.ShrinkFactor,
		GradientStep:    e.GradientStep,
		HessianStep:     e.HessianStep,
	}
}

// PEB converts the second_level section.
func (c *Config) PEB() (peb.Config, error) {
	s := c.SecondLevel
	out := peb.Config{
		CovariateNames: s.CovariateNames,
		WithinNames:    s.WithinNames,
		Alpha:          s.Alpha,
		Beta:           s.Beta,
		Components:     peb.ComponentPolicy(s.Components),
		Masks:          s.Masks,
		HE:             s.HE,
	}

	var err error
	if out.X, err = dense(s.X); err != nil {
		return peb.Config{}, fmt.Errorf("second_level.x: %w", err)
	}
	if out.W, err = dense(s.W); err != nil {
		return peb.Config{}, fmt.Errorf("second_level.w: %w", err)
	}
	if len(s.BE) > 0 {
		out.BE = mat.NewVecDense(len(s.BE), append([]float64(nil), s.BE...))
	}
	if out.BC, err = covariance(s.BCov, s.BVar); err != nil {
		return peb.Config{}, fmt.Errorf("second_level.b_cov: %w", err)
	}
	if out.PC, err = covariance(s.PCov, s.PVar); err != nil {
		return peb.Config{}, fmt.Errorf("second_level.p_cov: %w", err)
	}
	if out.HC, err = covariance(s.HCov, s.HVar); err != nil {
		return peb.Config{}, fmt.Errorf("second_level.h_cov: %w", err)
	}
	return out, nil
}

// dense converts rows to a matrix, nil for no rows.
func dense(rows [][]float64) (*mat.Dense, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	c := len(rows[0])
	if c == 0 {
		return nil, fmt.Errorf("row 1 is empty")
	}
	data := make([]float64, 0, len(rows)*c)
	for i, row := range rows {
		if len(row) != c {
			return nil, fmt.Errorf("row %d has %d entries, want %d", i+1, len(row), c)
		}
		data = append(data, row...)
	}
	return mat.NewDense(len(rows), c, data), nil
}

// covariance builds a full or diagonal covariance; full wins when both are set.
func covariance(full [][]float64, variances []float64) (peb.Covariance, error) {
	if len(full) > 0 {
		m, err := dense(full)
		if err != nil {
			return peb.Covariance{}, err
		}
		r, c := m.Dims()
		if r != c {
			return peb.Covariance{}, fmt.Errorf("not square: %d x %d", r, c)
		}
		s := mat.NewSymDense(r, nil)
		for i := 0; i < r; i++ {
			for j := i; j < r; j++ {
				s.SetSym(i, j, (m.At(i, j)+m.At(j, i))/2)
			}
		}
		return peb.DenseCovariance(s), nil
	}
	if len(variances) > 0 {
		return peb.DiagonalCovariance(variances), nil
	}
	return peb.Covariance{}, nil
}
