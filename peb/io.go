// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

package peb

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
	"gopkg.in/yaml.v3"
)

// unitFile is the on-disk form of a first-level unit. JSON files parse too.
type unitFile struct {
	Name      string      `yaml:"name,omitempty"`
	Fields    Layout      `yaml:"fields,omitempty"`
	PriorMean []float64   `yaml:"prior_mean"`
	PriorCov  [][]float64 `yaml:"prior_cov,omitempty"`
	PriorVar  []float64   `yaml:"prior_var,omitempty"`
	PostMean  []float64   `yaml:"post_mean"`
	PostCov   [][]float64 `yaml:"post_cov"`
	F         float64     `yaml:"F"`
}

// FileSource loads units from YAML or JSON files in a directory. An ID is a
// file name, with or without its extension.
type FileSource struct {
	Dir string
}

var unitExtensions = []string{"", ".yaml", ".yml", ".json"}

// Load reads the unit file for id.
func (s FileSource) Load(ctx context.Context, id string) (Unit, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, ext := range unitExtensions {
		path := filepath.Join(s.Dir, id+ext)
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		m, err := ReadUnitFile(path)
		if err != nil {
			return nil, &LoadError{ID: id, Err: err}
		}
		if m.Label == "" {
			m.Label = id
		}
		return m, nil
	}
	return nil, &NotFoundError{ID: id}
}

// ReadUnitFile parses one unit file.
func ReadUnitFile(path string) (*Model, error) {
	// 1. Read file
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &NotFoundError{ID: path}
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	// 2. Decode
	var uf unitFile
	if err := yaml.Unmarshal(data, &uf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	n := len(uf.PriorMean)
	if n == 0 {
		return nil, fmt.Errorf("%s: empty prior_mean", path)
	}

	// 3. Build the model
	m := &Model{
		Label:  uf.Name,
		Fields: uf.Fields,
		PriorE: mat.NewVecDense(n, uf.PriorMean),
		F:      uf.F,
	}
	switch {
	case uf.PriorCov != nil:
		c, err := symFromRows(uf.PriorCov)
		if err != nil {
			return nil, fmt.Errorf("%s: prior_cov: %w", path, err)
		}
		m.PriorC = DenseCovariance(c)
	case uf.PriorVar != nil:
		m.PriorC = DiagonalCovariance(uf.PriorVar)
	default:
		return nil, fmt.Errorf("%s: one of prior_cov or prior_var is required", path)
	}
	if len(uf.PostMean) > 0 {
		m.PostE = mat.NewVecDense(len(uf.PostMean), uf.PostMean)
	}
	if uf.PostCov != nil {
		c, err := symFromRows(uf.PostCov)
		if err != nil {
			return nil, fmt.Errorf("%s: post_cov: %w", path, err)
		}
		m.PostC = c
	}
	return m, nil
}

// WriteUnitFile writes u in the unit file format, so that updated units and
// results can be inverted again later.
func WriteUnitFile(path string, u Unit) error {
	uf := unitFile{
		PriorMean: mat.Col(nil, 0, u.PriorMean()),
		PriorCov:  symToRows(u.PriorCovariance().Dense()),
		PostMean:  mat.Col(nil, 0, u.PosteriorMean()),
		PostCov:   symToRows(u.PosteriorCovariance()),
		F:         u.Evidence(),
	}
	if named, ok := u.(Named); ok {
		uf.Name = named.Name()
	}
	if s, ok := u.(Structured); ok {
		uf.Fields = s.Layout()
	}

	data, err := yaml.Marshal(&uf)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return os.WriteFile(path, data, 0o644)
}

func symFromRows(rows [][]float64) (*mat.SymDense, error) {
	n := len(rows)
	if n == 0 {
		return nil, fmt.Errorf("empty matrix")
	}
	for i, row := range rows {
		if len(row) != n {
			return nil, fmt.Errorf("row %d has %d entries, want %d", i+1, len(row), n)
		}
	}
	s := mat.NewSymDense(n, nil)
	for i, row := range rows {
		for j := i; j < n; j++ {
			s.SetSym(i, j, (row[j]+rows[j][i])/2)
		}
	}
	return s, nil
}

func symToRows(s mat.Symmetric) [][]float64 {
	n := s.SymmetricDim()
	rows := make([][]float64, n)
	for i := range rows {
		rows[i] = make([]float64, n)
		for j := range rows[i] {
			rows[i][j] = s.At(i, j)
		}
	}
	return rows
}

// posteriorProbability returns P(effect has the sign of ep) under N(ep, sd^2).
func posteriorProbability(ep, sd float64) float64 {
	if sd <= 0 {
		if ep == 0 {
			return 0.5
		}
		return 1
	}
	return distuv.UnitNormal.CDF(math.Abs(ep) / sd)
}

// OutputResultToCSV writes the group effects in long format.
// Columns: Covariate, Parameter, Ep, SD, Pp
func OutputResultToCSV(path string, res *Result) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"Covariate", "Parameter", "Ep", "SD", "Pp"}
	if err := writer.Write(header); err != nil {
		return err
	}

	Ne, Nx := res.Ep.Dims()
	for j := 0; j < Nx; j++ {
		for e := 0; e < Ne; e++ {
			ep := res.Ep.At(e, j)
			sd := math.Sqrt(math.Max(0, res.Cp.At(j*Ne+e, j*Ne+e)))
			rec := []string{
				res.CovariateNames[j],
				res.EffectLabels[e],
				formatFloat(ep),
				formatFloat(sd),
				formatFloat(posteriorProbability(ep, sd)),
			}
			if err := writer.Write(rec); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

// OutputHyperToCSV writes the covariance component estimates.
// Columns: Component, Eh, SD, Precision
func OutputHyperToCSV(path string, res *Result) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	if err := writer.Write([]string{"Component", "Eh", "SD", "Precision"}); err != nil {
		return err
	}
	for k, eh := range res.Eh {
		sd := 0.0
		if res.Ch != nil {
			sd = math.Sqrt(math.Max(0, res.Ch.At(k, k)))
		}
		name := fmt.Sprintf("Q%d", k+1)
		if k < len(res.ComponentNames) {
			name = res.ComponentNames[k]
		}
		rec := []string{
			name,
			formatFloat(eh),
			formatFloat(sd),
			formatFloat(math.Exp(eh)),
		}
		if err := writer.Write(rec); err != nil {
			return err
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

// OutputUnitsToCSV writes the prior and posterior of every parameter of
// every unit in long format.
// Columns: Unit, Parameter, PriorE, PostE, PostSD, F
func OutputUnitsToCSV(path string, units []Unit) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"Unit", "Parameter", "PriorE", "PostE", "PostSD", "F"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for i, u := range units {
		name := fmt.Sprintf("Unit %d", i+1)
		if named, ok := u.(Named); ok && named.Name() != "" {
			name = named.Name()
		}

		pE, qE, qC := u.PriorMean(), u.PosteriorMean(), u.PosteriorCovariance()
		n := pE.Len()
		var layout Layout
		if s, ok := u.(Structured); ok && s.Layout().Size() == n {
			layout = s.Layout()
		}
		labels, _ := labelParameters(u, layout, allIndices(n))

		for k := 0; k < n; k++ {
			rec := []string{
				name,
				labels[k],
				formatFloat(pE.AtVec(k)),
				formatFloat(qE.AtVec(k)),
				formatFloat(math.Sqrt(math.Max(0, qC.At(k, k)))),
				formatFloat(u.Evidence()),
			}
			if err := writer.Write(rec); err != nil {
				return err
			}
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return err
	}
	return file.Close()
}

// formatFloat writes v with the fewest digits that round-trip.
func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// Summary prints a summary table of the inversion to w.
func (r *Result) Summary(w io.Writer) {
	if r == nil {
		fmt.Fprintln(w, "PEB result is nil")
		return
	}
	fmt.Fprintln(w, "         Parametric Empirical Bayes Summary      ")

	// Dimensions
	Ne, Nx := r.Ep.Dims()
	fmt.Fprintf(w, "Number of units (Ns):       %d\n", len(r.UnitLabels))
	fmt.Fprintf(w, "Selected parameters (Np):   %d\n", len(r.ParameterIndices))
	if r.U != nil {
		_, rank := r.U.Dims()
		fmt.Fprintf(w, "Reduced rank (r):           %d\n", rank)
	}
	fmt.Fprintf(w, "Covariates (Nx):            %d\n", Nx)
	fmt.Fprintf(w, "Effects per covariate (Ne): %d\n", Ne)
	fmt.Fprintf(w, "Iterations:                 %d\n", r.Iterations)
	fmt.Fprintf(w, "Free energy (F):            %.4f\n", r.F)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Covariates:")
	fmt.Fprintf(w, "  %s\n", strings.Join(r.CovariateNames, ", "))
	fmt.Fprintln(w, "Effects:")
	fmt.Fprintf(w, "  %s\n", strings.Join(r.EffectLabels, ", "))
	fmt.Fprintln(w)

	// Group effects
	fmt.Fprintf(w, "%-30s | %-24s | %10s | %10s | %6s\n", "Covariate", "Parameter", "Ep", "SD", "Pp")
	fmt.Fprintln(w, "--------------------------------------------------------------------------------------------")
	for j := 0; j < Nx; j++ {
		for e := 0; e < Ne; e++ {
			ep := r.Ep.At(e, j)
			sd := math.Sqrt(math.Max(0, r.Cp.At(j*Ne+e, j*Ne+e)))
			fmt.Fprintf(w, "%-30s | %-24s | %10.4f | %10.4f | %6.3f\n",
				r.CovariateNames[j], r.EffectLabels[e], ep, sd, posteriorProbability(ep, sd))
		}
	}
	fmt.Fprintln(w)

	// Covariance components
	if len(r.Eh) > 0 {
		fmt.Fprintln(w, "Log precisions of the random effects (Eh):")
		for k, eh := range r.Eh {
			name := fmt.Sprintf("Q%d", k+1)
			if k < len(r.ComponentNames) {
				name = r.ComponentNames[k]
			}
			fmt.Fprintf(w, "  %-24s %10.4f\n", name, eh)
		}
		fmt.Fprintln(w)
	}

	if r.Ce != nil {
		fmt.Fprintln(w, "Random-effects covariance Ce:")
		fmt.Fprintf(w, "%v\n", mat.Formatted(r.Ce, mat.Prefix("  ")))
		fmt.Fprintln(w)
	}

	for _, warning := range r.Warnings {
		fmt.Fprintf(w, "warning: %v\n", warning)
	}

	fmt.Fprintln(w, "=======================================")
}
