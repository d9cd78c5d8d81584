// Authors: Rohan Adla, Arrio Gonsalves, Shreyan Nalwad, Dylan Setiawan
// Date: Dec 12th 2025
// Project: Parametric Empirical Bayes for Hierarchical Model Inversion
// Class: 02-613 at Caregie Mellon University

// Package cli implements the peb command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"pebengine/internal/config"
	"pebengine/peb"
)

// Version is set at build time.
var Version = "dev"

// RunContext runs the command line with args and returns the exit code.
func RunContext(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := NewRootCommand(stdout, stderr)
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

// NewRootCommand builds the command tree.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "peb",
		Short:         "Hierarchical empirical Bayes inversion of first-level model fits",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	root.AddCommand(newInvertCommand(stdout, stderr))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "peb %s\n", Version)
		},
	})
	return root
}

type invertFlags struct {
	configPath  string
	outDir      string
	metricsPath string
	logLevel    string
}

func newInvertCommand(stdout, stderr io.Writer) *cobra.Command {
	var flags invertFlags
	cmd := &cobra.Command{
		Use:   "invert",
		Short: "Invert the hierarchies described by a run file",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInvert(cmd.Context(), flags, stdout, stderr)
		},
	}
	cmd.Flags().StringVarP(&flags.configPath, "config", "c", "run.yaml", "run file")
	cmd.Flags().StringVarP(&flags.outDir, "out", "o", "", "output directory (overrides the run file)")
	cmd.Flags().StringVar(&flags.metricsPath, "metrics", "", "write Prometheus metrics to this file")
	cmd.Flags().StringVar(&flags.logLevel, "log-level", "info", "debug, info, warn or error")
	return cmd
}

func runInvert(ctx context.Context, flags invertFlags, stdout, stderr io.Writer) error {
	// 1. Logging
	level, err := parseLevel(flags.logLevel)
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))

	// 2. Run file
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return err
	}
	if flags.outDir != "" {
		cfg.Output.Dir = flags.outDir
	}
	second, err := cfg.PEB()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Output.Dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	// 3. Engine
	reg := prometheus.NewRegistry()
	engine := peb.New(
		peb.WithLogger(logger),
		peb.WithSource(peb.FileSource{Dir: cfg.UnitsDir}),
		peb.WithEstimation(cfg.EstimationOptions()),
		peb.WithMetrics(peb.NewMetrics(reg)),
		peb.WithWorkers(cfg.Workers),
	)

	// 4. Invert
	columns, err := engine.Invoke(ctx, cfg.Input(), second, cfg.Selector())
	if flags.metricsPath != "" {
		if merr := prometheus.WriteToTextfile(flags.metricsPath, reg); merr != nil {
			logger.Error("write metrics", "error", merr)
		}
	}
	if err != nil {
		return err
	}

	// 5. Outputs, one set per column
	failed := 0
	for _, col := range columns {
		if col.Err != nil {
			failed++
			fmt.Fprintf(stderr, "column %d failed: %v\n", col.Column, col.Err)
			continue
		}
		if err := writeColumn(cfg, col, len(columns) > 1, stdout); err != nil {
			return err
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d hierarchies failed", failed, len(columns))
	}
	return nil
}

// writeColumn writes the CSVs (and optionally unit files) of one column.
func writeColumn(cfg *config.Config, col peb.ColumnResult, multi bool, stdout io.Writer) error {
	dir := cfg.Output.Dir
	if multi {
		dir = filepath.Join(dir, fmt.Sprintf("column_%d", col.Column+1))
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	if err := peb.OutputResultToCSV(filepath.Join(dir, "group_effects.csv"), col.Result); err != nil {
		return fmt.Errorf("write group effects: %w", err)
	}
	if err := peb.OutputHyperToCSV(filepath.Join(dir, "components.csv"), col.Result); err != nil {
		return fmt.Errorf("write components: %w", err)
	}
	if err := peb.OutputUnitsToCSV(filepath.Join(dir, "units.csv"), col.Units); err != nil {
		return fmt.Errorf("write units: %w", err)
	}

	if cfg.Output.WriteUnits {
		if err := peb.WriteUnitFile(filepath.Join(dir, "result.yaml"), col.Result); err != nil {
			return err
		}
		for i, u := range col.Units {
			name := fmt.Sprintf("unit_%d.yaml", i+1)
			if err := peb.WriteUnitFile(filepath.Join(dir, name), u); err != nil {
				return err
			}
		}
	}

	if cfg.Output.Summary {
		col.Result.Summary(stdout)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return 0, fmt.Errorf("unknown log level %q", s)
}
